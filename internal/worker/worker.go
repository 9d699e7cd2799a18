// Package worker implements the standalone entrypoint hosting one pool. It is
// meant to run in a freshly spawned process so that launching children stays
// cheap no matter how much memory the caller holds.
//
// The task file is processed in two passes. The first pass only validates:
// the first malformed line aborts the whole run with a single fault record
// before any process is launched, so a run is all-or-nothing at the "did we
// start anything" boundary. The second pass submits every task to the pool
// and emits one result line to out as each command finishes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/forkpool/forkpool/internal/pool"
	"github.com/forkpool/forkpool/internal/wire"
)

// Fail writes a fault record for err to w and returns err. Used for every
// condition that aborts a run before completion, including startup argument
// errors.
func Fail(w io.Writer, err error) error {
	_ = json.NewEncoder(w).Encode(wire.Fault{Error: err.Error()})
	return err
}

// Run validates and executes the task stream at path with the given
// concurrency limit, writing one result record per finished task to out as
// it completes. On a validation or setup error a single fault record is
// written instead and the error is returned; no task is started.
func Run(ctx context.Context, path string, limit int, out io.Writer) error {
	if limit < 1 {
		return Fail(out, fmt.Errorf("concurrency limit must be positive, got %d", limit))
	}
	if err := validate(path); err != nil {
		return Fail(out, err)
	}

	slog.DebugContext(ctx, "task file validated", "path", path, "limit", limit)
	if err := execute(ctx, path, limit, out); err != nil {
		return Fail(out, err)
	}
	return nil
}

func validate(path string) error {
	for line, err := range wire.Lines(path) {
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if _, err := wire.DecodeTask(line.Text); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line.N, err)
		}
	}
	return nil
}

func execute(ctx context.Context, path string, limit int, out io.Writer) error {
	p, err := pool.New(limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	var emitErr error
	emit := func(res wire.Result) {
		if emitErr != nil {
			return
		}
		emitErr = enc.Encode(res)
	}

	var submitErr error
	for line, err := range wire.Lines(path) {
		if err != nil {
			submitErr = fmt.Errorf("rereading %s: %w", path, err)
			break
		}
		task, err := wire.DecodeTask(line.Text)
		if err != nil {
			// the file changed between the two passes
			submitErr = fmt.Errorf("%s:%d: %w", path, line.N, err)
			break
		}
		if err := p.Submit(ctx, task, emit); err != nil {
			submitErr = err
			break
		}
		if emitErr != nil {
			break
		}
	}

	// reap whatever is still alive even when aborting
	if err := p.AwaitAll(ctx); err != nil {
		return err
	}
	if submitErr != nil {
		return submitErr
	}
	if emitErr != nil {
		return fmt.Errorf("writing result: %w", emitErr)
	}
	return nil
}
