// Package engine defines the contract shared by the instrumentation backends:
// the ptrace breakpoint tracer, the shell trap bridge and the interpreter
// trace bridge all turn one execution into a stream of line events.
package engine

import (
	"context"
	"errors"

	m "kcov.dev/pkg/kcov/internal/model"
)

// MatchNone is returned by Match when an engine cannot handle a target.
const MatchNone = 0

// ErrNotFound is returned when no engine matches a target.
var ErrNotFound = errors.New("no engine can handle target")

// Listener receives line events from an engine. Implementations must be
// safe for concurrent use.
type Listener interface {
	// OnLine declares (file, line) instrumentable. It never changes an
	// existing hit count.
	OnLine(file string, line int)
	// OnHit records one execution of (file, line).
	OnHit(file string, line int)
}

// FileFilter tells an engine whether a source file participates at all, so
// that it can skip instrumenting it.
type FileFilter func(path string) bool

// RunArgs describes one execution of a target.
type RunArgs struct {
	// Target is the path of the binary or script.
	Target string
	// Args are passed to the target (without argv[0]).
	Args []string
	// Env is the environment of the target. nil means the current one.
	Env []string
	// WorkDir is the per-target directory engines may write helpers to.
	WorkDir string
	// Filter decides whether a source file is instrumented.
	Filter FileFilter
}

// Engine turns an execution of a target into line events.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	// Match scores how well the engine handles the target. Higher wins,
	// MatchNone means not at all.
	Match(path string, header []byte) int
	// Run executes the target to completion, reporting events to listener.
	Run(ctx context.Context, args RunArgs, listener Listener) (m.ExitStatus, error)
}

// Preparer is implemented by engines that validate their configuration
// for a target before anything is written to the output directory.
type Preparer interface {
	Prepare(target string) error
}

// Prepare runs e's preparation step if it has one.
func Prepare(e Engine, target string) error {
	if p, ok := e.(Preparer); ok {
		return p.Prepare(target)
	}

	return nil
}

// Select returns the engine with the highest score for the target.
func Select(engines []Engine, path string, header []byte) (Engine, error) {
	var (
		best      Engine
		bestScore = MatchNone
	)

	for _, candidate := range engines {
		score := candidate.Match(path, header)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}

	return best, nil
}

// Accept reports whether filter lets path through. A nil filter accepts all.
func (f FileFilter) Accept(path string) bool {
	if f == nil {
		return true
	}

	return f(path)
}
