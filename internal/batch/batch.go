// Package batch is the caller side of the pipeline. A Batch buffers tasks
// into a temporary line delimited JSON file without keeping them in memory,
// then spawns the worker entrypoint as a subprocess pointed at that file and
// streams its results back one by one.
//
// Spawning happens from a fresh minimal process on purpose: forking out of a
// memory-heavy caller pays for the caller's page tables on every single
// launch, while the worker process stays small for its whole life.
//
// A Batch is a one-shot session: add tasks, run once, create a new Batch for
// further work.
package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forkpool/forkpool/internal/log"
	"github.com/forkpool/forkpool/internal/wire"
)

var (
	ErrRunStarted = errors.New("run already started")
	ErrFinished   = errors.New("session already finished")
)

// Callback receives each result as it arrives, together with a running tally
// of completed tasks and the total number of tasks in the session. Results
// arrive in completion order, not submission order.
type Callback func(res wire.Result, completed, total int)

type state int

const (
	stateEmpty state = iota
	stateAccepting
	stateRunning
	stateFinished
)

// Batch is one task submission session.
type Batch struct {
	concurrency int
	workerName  string
	workerArgs  []string
	id          string

	state state
	file  *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	total int
}

// Option configures a Batch.
type Option func(*Batch)

// WithWorker overrides the command spawned as the worker process. The task
// file path and the concurrency limit are appended to args. The default is
// the current executable with its hidden worker subcommand.
func WithWorker(name string, args ...string) Option {
	return func(b *Batch) {
		b.workerName = name
		b.workerArgs = args
	}
}

// New creates an empty session with the given concurrency limit.
func New(concurrency int, opts ...Option) *Batch {
	b := &Batch{
		concurrency: concurrency,
		id:          uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add appends one task to the session buffer. It never launches anything,
// the cost is one buffered file write. Adding to a session whose run has
// started is a usage error.
func (b *Batch) Add(id, cmd string) error {
	switch b.state {
	case stateRunning:
		return ErrRunStarted
	case stateFinished:
		return ErrFinished
	}

	if b.file == nil {
		f, err := os.CreateTemp("", "forkpool-*.jsonl")
		if err != nil {
			return fmt.Errorf("creating task buffer: %w", err)
		}
		b.file = f
		b.buf = bufio.NewWriter(f)
		b.enc = json.NewEncoder(b.buf)
	}
	if err := b.enc.Encode(wire.Task{ID: id, Cmd: cmd}); err != nil {
		return fmt.Errorf("buffering task: %w", err)
	}
	b.state = stateAccepting
	b.total++
	return nil
}

// Total reports how many tasks were added to this session.
func (b *Batch) Total() int {
	return b.total
}

// Run spawns the worker over the buffered tasks and blocks until every result
// has been delivered to fn or a fatal error occurred. It may be called once
// per session; a session without tasks is a no-op success. A fault record in
// the result stream aborts the run with a *wire.RunError, a malformed or
// truncated stream aborts it with a protocol error.
func (b *Batch) Run(ctx context.Context, fn Callback) error {
	switch b.state {
	case stateRunning:
		return ErrRunStarted
	case stateFinished:
		return ErrFinished
	}
	b.state = stateRunning
	defer func() {
		b.state = stateFinished
		b.discard()
	}()

	if b.total == 0 {
		return nil
	}
	if err := b.buf.Flush(); err != nil {
		return fmt.Errorf("flushing task buffer: %w", err)
	}

	ctx = withLogAttrs(ctx, b.id, b.total)
	name, args, err := b.workerCommand()
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "spawning worker", "path", name, "concurrency", b.concurrency)

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning worker: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		forwardStderr(ctx, stderr)
		return nil
	})

	completed, runErr := b.deliver(ctx, stdout, fn)
	if runErr != nil {
		// fatal record or broken stream: stop the worker, do not read on
		_ = cmd.Process.Kill()
		_ = g.Wait()
		_ = cmd.Wait()
		return runErr
	}

	_ = g.Wait()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if completed != b.total {
		return fmt.Errorf("worker stream closed after %d of %d results", completed, b.total)
	}
	slog.DebugContext(ctx, "run finished", "completed", completed)
	return nil
}

// deliver decodes the worker result stream line by line, forwarding each
// record to fn as it arrives.
func (b *Batch) deliver(ctx context.Context, stdout io.Reader, fn Callback) (int, error) {
	completed := 0
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if text := bytes.TrimSpace(line); len(text) > 0 {
			res, derr := wire.DecodeResult(text)
			if derr != nil {
				var runErr *wire.RunError
				if errors.As(derr, &runErr) {
					return completed, runErr
				}
				return completed, fmt.Errorf("result stream: %w", derr)
			}
			completed++
			slog.DebugContext(ctx, "task finished", "id", res.ID, "status", res.Status, "completed", completed)
			if fn != nil {
				fn(res, completed, b.total)
			}
		}
		if err == io.EOF {
			return completed, nil
		}
		if err != nil {
			return completed, fmt.Errorf("reading worker output: %w", err)
		}
	}
}

func (b *Batch) workerCommand() (string, []string, error) {
	name := b.workerName
	args := b.workerArgs
	if name == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("locating worker executable: %w", err)
		}
		name = exe
		args = []string{"_worker"}
	}
	args = append(args[:len(args):len(args)], b.file.Name(), strconv.Itoa(b.concurrency))
	return name, args, nil
}

func withLogAttrs(ctx context.Context, id string, total int) context.Context {
	return log.WithAttrs(ctx,
		slog.String("session", id),
		slog.Int("total", total),
	)
}

// forwardStderr relays worker log lines to the session logger.
func forwardStderr(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		slog.DebugContext(ctx, "worker log", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		slog.WarnContext(ctx, "reading worker stderr", "error", err)
	}
}

func (b *Batch) discard() {
	if b.file == nil {
		return
	}
	name := b.file.Name()
	_ = b.file.Close()
	_ = os.Remove(name)
	b.file = nil
	b.buf = nil
	b.enc = nil
}
