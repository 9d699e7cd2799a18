// Package wire defines the line delimited JSON records exchanged between the
// caller side and the worker process: tasks flow in through a file, results
// flow back through the worker standard output.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingID  = errors.New("missing id field")
	ErrMissingCmd = errors.New("missing cmd field")
)

// Task is one unit of work. ID is an opaque caller supplied correlation
// token, echoed back verbatim and never interpreted. Cmd is the command line
// handed to the shell as-is.
type Task struct {
	ID  string `json:"id"`
	Cmd string `json:"cmd"`
}

// Result is emitted for every finished command. Status is the process exit
// code, Stdout and Stderr hold the complete captured streams.
type Result struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Fault is the terminal record signalling that the whole run failed before or
// instead of producing results. No result follows a fault.
type Fault struct {
	Error string `json:"error"`
}

// RunError is a failure the worker reported through its result stream.
type RunError struct {
	Msg string
}

func (e *RunError) Error() string {
	return "worker: " + e.Msg
}

// DecodeTask parses one line of the task stream. Both id and cmd must be
// present, empty values are allowed. Unknown fields are ignored.
func DecodeTask(line []byte) (Task, error) {
	var raw struct {
		ID  *string `json:"id"`
		Cmd *string `json:"cmd"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Task{}, fmt.Errorf("malformed task: %w", err)
	}
	if raw.ID == nil {
		return Task{}, ErrMissingID
	}
	if raw.Cmd == nil {
		return Task{}, ErrMissingCmd
	}
	return Task{ID: *raw.ID, Cmd: *raw.Cmd}, nil
}

// DecodeResult parses one line of the result stream. A fault line decodes to
// a *RunError so callers can distinguish a reported failure from a malformed
// stream.
func DecodeResult(line []byte) (Result, error) {
	var raw struct {
		ID     string  `json:"id"`
		Status int     `json:"status"`
		Stdout string  `json:"stdout"`
		Stderr string  `json:"stderr"`
		Error  *string `json:"error"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Result{}, fmt.Errorf("malformed result: %w", err)
	}
	if raw.Error != nil {
		return Result{}, &RunError{Msg: *raw.Error}
	}
	return Result{ID: raw.ID, Status: raw.Status, Stdout: raw.Stdout, Stderr: raw.Stderr}, nil
}
