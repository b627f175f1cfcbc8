// Package ptrace collects line coverage of native ELF binaries by planting
// a trap instruction on the first instruction of every source line and
// counting the traps.
package ptrace

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"runtime"
	"time"

	"kcov.dev/pkg/kcov/internal/debuginfo"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

// MatchScore is the score for an ELF binary of the host architecture.
const MatchScore = 1000

var elfMagic = []byte("\x7fELF")

// Config controls the tracer.
type Config struct {
	// SkipSolibs leaves shared libraries uninstrumented.
	SkipSolibs bool
	// ExitFirstProcess stops tracing as soon as the target itself exits.
	ExitFirstProcess bool
	// WaitTimeout bounds how long descendants are traced after the target
	// exits. Zero waits for all of them.
	WaitTimeout time.Duration
}

type engineImpl struct {
	cfg        Config
	resolver   debuginfo.Resolver
	newBackend func() (Backend, error)
}

// NewEngine creates the breakpoint tracing engine.
func NewEngine(cfg Config, resolver debuginfo.Resolver) engine.Engine {
	return &engineImpl{
		cfg:        cfg,
		resolver:   resolver,
		newBackend: newPlatformBackend,
	}
}

func (e *engineImpl) Name() string {
	return "ptrace"
}

func (e *engineImpl) Match(_ string, header []byte) int {
	if !archSupported || len(header) < 20 || !bytes.HasPrefix(header, elfMagic) {
		return engine.MatchNone
	}

	// Only little-endian targets are supported.
	if header[5] != 1 || binary.LittleEndian.Uint16(header[18:20]) != uint16(elfMachine) {
		return engine.MatchNone
	}

	return MatchScore
}

type traceResult struct {
	status m.ExitStatus
	err    error
}

func (e *engineImpl) Run(ctx context.Context, args engine.RunArgs, listener engine.Listener) (m.ExitStatus, error) {
	done := make(chan traceResult, 1)

	go func() {
		// Never unlocked: the thread is the tracer of everything it started
		// and is thrown away when the goroutine ends.
		runtime.LockOSThread()

		status, err := e.trace(ctx, args, listener)
		done <- traceResult{status: status, err: err}
	}()

	result := <-done

	return result.status, result.err
}

func (e *engineImpl) trace(ctx context.Context, args engine.RunArgs, listener engine.Listener) (m.ExitStatus, error) {
	backend, err := e.newBackend()
	if err != nil {
		return m.ExitStatus{}, err
	}

	env := args.Env
	if env == nil {
		env = os.Environ()
	}

	argv := append([]string{args.Target}, args.Args...)
	t := newTracer(backend, e.resolver, args.Filter, listener, e.cfg, uint64(os.Getpagesize()))

	return t.run(ctx, args.Target, argv, env)
}
