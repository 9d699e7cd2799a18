// Package pool implements a bounded concurrency scheduler for external
// commands. It launches child processes up to a fixed limit, observes their
// exits and hands captured output to per-task handlers.
//
// A Pool is driven by a single goroutine. Handlers run on the goroutine
// calling AwaitAny or AwaitAll, in the order processes exit, never in
// submission order. A handler must not block for long: it delays harvesting
// of every other slot.
package pool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/forkpool/forkpool/internal/wire"
)

const defaultShell = "/bin/sh"

// Handler receives the result of one finished command.
type Handler func(res wire.Result)

// slot tracks one in-flight child process and its captured streams. Owned
// exclusively by the Pool from launch until harvest.
type slot struct {
	task    wire.Task
	cmd     *exec.Cmd
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	handler Handler
}

// Pool runs commands through the shell with at most limit of them alive at
// any point. Methods must be called from a single goroutine.
type Pool struct {
	limit   int
	shell   string
	seq     int
	running map[int]*slot
	exits   chan int
}

// New creates a pool. The limit must be positive and is fixed for the pool
// lifetime.
func New(limit int) (*Pool, error) {
	if limit < 1 {
		return nil, fmt.Errorf("concurrency limit must be positive, got %d", limit)
	}
	return &Pool{
		limit:   limit,
		shell:   defaultShell,
		running: make(map[int]*slot, limit),
		// sized to limit so exit notifications never block a child reaper
		exits: make(chan int, limit),
	}, nil
}

// Submit launches task.Cmd through the shell with stdin from /dev/null and
// stdout/stderr captured. When the pool is at capacity it first waits for at
// least one running command to finish, so the limit is never exceeded. It
// returns once the process has started; a start failure is fatal and returned
// as an error. A non-zero exit of the command itself is not an error, it is
// delivered to the handler as an ordinary result.
func (p *Pool) Submit(ctx context.Context, task wire.Task, handler Handler) error {
	if len(p.running) >= p.limit {
		if err := p.AwaitAny(ctx); err != nil {
			return err
		}
	}

	s := &slot{task: task, handler: handler}
	cmd := exec.Command(p.shell, "-c", task.Cmd)
	cmd.Stdout = &s.stdout
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", task.Cmd, err)
	}
	s.cmd = cmd

	p.seq++
	seq := p.seq
	p.running[seq] = s
	go func() {
		// Wait returns once the process exited and both streams are
		// fully captured, so a child writing more than a pipe buffer
		// cannot wedge the pool.
		_ = cmd.Wait()
		p.exits <- seq
	}()
	return nil
}

// AwaitAny blocks until at least one running command has finished, invokes
// the handler of every finished command observed in the same pass and
// releases their slots. Calling it with nothing running is a no-op.
func (p *Pool) AwaitAny(ctx context.Context) error {
	if len(p.running) == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case seq := <-p.exits:
		p.harvest(seq)
	}
	for {
		select {
		case seq := <-p.exits:
			p.harvest(seq)
		default:
			return nil
		}
	}
}

// AwaitAll drains the pool until no command is running.
func (p *Pool) AwaitAll(ctx context.Context) error {
	for len(p.running) > 0 {
		if err := p.AwaitAny(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Running reports how many commands are currently alive. Never exceeds the
// configured limit.
func (p *Pool) Running() int {
	return len(p.running)
}

// Limit returns the configured concurrency limit.
func (p *Pool) Limit() int {
	return p.limit
}

func (p *Pool) harvest(seq int) {
	s := p.running[seq]
	delete(p.running, seq)

	res := wire.Result{
		ID:     s.task.ID,
		Status: s.cmd.ProcessState.ExitCode(),
		Stdout: s.stdout.String(),
		Stderr: s.stderr.String(),
	}
	if s.handler != nil {
		s.handler(res)
	}
}
