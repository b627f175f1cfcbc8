package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	m "kcov.dev/pkg/kcov/internal/model"
)

// ProcessSpec describes a program to execute under an engine.
type ProcessSpec struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// ExtraFiles become fds 3, 4, ... in the child.
	ExtraFiles []*os.File
	// CloseAfterStart are closed in the parent once the child runs, usually
	// the child's ends of pipes.
	CloseAfterStart []io.Closer
}

// ProcessAdapter abstracts running a traced program to completion.
type ProcessAdapter interface {
	// Run starts the program and waits for it. A non-zero exit or a death by
	// signal is reported in the status, not as an error.
	Run(ctx context.Context, spec ProcessSpec) (m.ExitStatus, error)
}

// LocalProcessAdapter provides a concrete implementation using os/exec.
type LocalProcessAdapter struct {
	waitDelay time.Duration
}

// NewLocalProcessAdapter constructs a LocalProcessAdapter. After cancellation
// the child gets 5s to exit before its I/O is forcibly closed.
func NewLocalProcessAdapter() *LocalProcessAdapter {
	return &LocalProcessAdapter{
		waitDelay: 5 * time.Second,
	}
}

// Run starts the program described by spec and waits for it to exit.
func (a *LocalProcessAdapter) Run(ctx context.Context, spec ProcessSpec) (m.ExitStatus, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.WaitDelay = a.waitDelay

	err := cmd.Start()

	var closeErrs []error
	for _, c := range spec.CloseAfterStart {
		if cerr := c.Close(); cerr != nil {
			closeErrs = append(closeErrs, cerr)
		}
	}

	if err != nil {
		return m.ExitStatus{}, fmt.Errorf("start %s: %w", spec.Path, errors.Join(append([]error{err}, closeErrs...)...))
	}

	err = cmd.Wait()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return statusOf(cmd.ProcessState), fmt.Errorf("wait %s: %w", spec.Path, err)
	}

	return statusOf(cmd.ProcessState), nil
}

func statusOf(state *os.ProcessState) m.ExitStatus {
	if state == nil {
		return m.ExitStatus{}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return m.ExitStatus{Signaled: true, Signal: int(ws.Signal())}
	}

	return m.ExitStatus{Code: state.ExitCode()}
}
