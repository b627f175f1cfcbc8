// Package python traces Python programs through an interpreter-side line
// hook that reports executed lines over a named pipe.
package python

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

const (
	// PipeEnv names the FIFO the helper writes records to.
	PipeEnv = "KCOV_PYTHON_PIPE_PATH"

	// DefaultInterpreter is used when no --python-parser is given.
	DefaultInterpreter = "python3"

	helperName   = "kcov-python-helper.py"
	fifoName     = "kcov-python.fifo"
	defaultDrain = 200 * time.Millisecond
)

// ErrInterpreterNotFound is returned when the configured interpreter is not
// on PATH.
var ErrInterpreterNotFound = errors.New("python interpreter not found")

//go:embed helper.py
var helperSource []byte

// Config holds the python engine options.
type Config struct {
	// Interpreter is a program name or path, resolved through PATH.
	Interpreter string
	// Drain bounds how long buffered records are read after the
	// interpreter exits.
	Drain time.Duration
}

type pythonEngine struct {
	cfg       Config
	fsAdapter adapter.SourceFSAdapter
	process   adapter.ProcessAdapter
}

// NewEngine creates the interpreter trace bridge.
func NewEngine(cfg Config, fsAdapter adapter.SourceFSAdapter, process adapter.ProcessAdapter) engine.Engine {
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}

	if cfg.Drain <= 0 {
		cfg.Drain = defaultDrain
	}

	return &pythonEngine{cfg: cfg, fsAdapter: fsAdapter, process: process}
}

func (e *pythonEngine) Name() string {
	return "python"
}

func (e *pythonEngine) Match(path string, header []byte) int {
	if strings.HasSuffix(path, ".py") {
		return 200
	}

	first, _, _ := bytes.Cut(header, []byte("\n"))
	if bytes.HasPrefix(first, []byte("#!")) && bytes.Contains(first, []byte("python")) {
		return 100
	}

	return engine.MatchNone
}

func (e *pythonEngine) Prepare(string) error {
	_, err := e.interpreter()

	return err
}

func (e *pythonEngine) interpreter() (string, error) {
	path, err := exec.LookPath(e.cfg.Interpreter)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInterpreterNotFound, e.cfg.Interpreter)
	}

	return path, nil
}

func (e *pythonEngine) Run(ctx context.Context, args engine.RunArgs, listener engine.Listener) (m.ExitStatus, error) {
	interpreter, err := e.interpreter()
	if err != nil {
		return m.ExitStatus{}, err
	}

	helperPath := filepath.Join(args.WorkDir, helperName)
	if err := e.fsAdapter.WriteFile(m.Path(helperPath), helperSource, 0o600); err != nil {
		return m.ExitStatus{}, fmt.Errorf("write helper: %w", err)
	}

	fifoPath := filepath.Join(args.WorkDir, fifoName)

	pipe, err := openFIFO(fifoPath)
	if err != nil {
		return m.ExitStatus{}, err
	}

	defer func() {
		if err := errors.Join(pipe.Close(), os.Remove(fifoPath)); err != nil {
			slog.Warn("cleaning up fifo", "path", fifoPath, "error", err)
		}
	}()

	env := args.Env
	if env == nil {
		env = os.Environ()
	}

	env = append(env[:len(env):len(env)], PipeEnv+"="+fifoPath)

	var status m.ExitStatus

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var runErr error

		status, runErr = e.process.Run(gctx, adapter.ProcessSpec{
			Path:   interpreter,
			Args:   append([]string{helperPath, args.Target}, args.Args...),
			Env:    env,
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})

		// The interpreter is gone; whatever is still buffered gets a short
		// window to be read.
		if err := pipe.SetReadDeadline(time.Now().Add(e.cfg.Drain)); err != nil {
			slog.Debug("fifo has no deadline support, closing", "error", err)

			runErr = errors.Join(runErr, pipe.Close())
		}

		return runErr
	})

	g.Go(func() error {
		return e.consume(pipe, args, listener)
	})

	return status, g.Wait()
}

// consume decodes records until the pipe is drained.
func (e *pythonEngine) consume(r io.Reader, args engine.RunArgs, listener engine.Listener) error {
	decoder := NewDecoder(r)
	seen := make(map[string]bool)

	e.declare(args.Target, args.Filter, listener, seen)

	for {
		record, err := decoder.Next()

		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, os.ErrClosed),
			errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if skipped := decoder.Skipped(); skipped > 0 {
				slog.Warn("discarded corrupt trace bytes", "bytes", skipped)
			}

			return nil
		default:
			return fmt.Errorf("read trace: %w", err)
		}

		if isPseudoFile(record.File) || !args.Filter.Accept(record.File) {
			continue
		}

		e.declare(record.File, args.Filter, listener, seen)
		listener.OnHit(record.File, record.Line)
	}
}

// declare reports the instrumentable lines of a newly seen source file.
func (e *pythonEngine) declare(path string, filter engine.FileFilter, listener engine.Listener, seen map[string]bool) {
	if seen[path] {
		return
	}

	seen[path] = true

	if !filter.Accept(path) {
		return
	}

	src, err := e.fsAdapter.ReadFile(m.Path(path))
	if err != nil {
		slog.Debug("python source not readable", "path", path, "error", err)
		return
	}

	for _, line := range ExecutableLines(src) {
		listener.OnLine(path, line)
	}
}

// isPseudoFile reports interpreter-internal code such as "<frozen runpy>" or
// "<string>", also after an abspath turned it into "/cwd/<string>".
func isPseudoFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "<") || strings.HasPrefix(path, "<")
}
