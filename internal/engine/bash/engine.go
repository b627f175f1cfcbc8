// Package bash traces shell scripts by having bash print a marker for every
// executed command, either through xtrace (PS4) or a DEBUG trap.
package bash

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

const (
	// XtraceFDEnv tells the helpers which descriptor carries the trace.
	XtraceFDEnv = "KCOV_BASH_XTRACEFD"
	// CommandEnv names the bash the sh shim forwards to.
	CommandEnv = "KCOV_BASH_COMMAND"

	// DefaultCommand is used when no --bash-command is given.
	DefaultCommand = "/bin/bash"

	helperName      = "kcov-bash-helper.sh"
	debugHelperName = "kcov-bash-helper-debug-trap.sh"
	shimDirName     = "kcov-sh-shim"
	headerScanSize  = 80
)

// Method selects how bash reports executed lines.
type Method string

const (
	// MethodPS4 uses xtrace with a marker prompt.
	MethodPS4 Method = "PS4"
	// MethodDebug uses a DEBUG trap.
	MethodDebug Method = "DEBUG"
)

// ErrUnknownMethod is returned for a --bash-method other than PS4 or DEBUG.
var ErrUnknownMethod = errors.New("unknown bash method")

var (
	//go:embed kcov-bash-helper.sh
	helperSource []byte
	//go:embed kcov-bash-helper-debug-trap.sh
	debugHelperSource []byte
	//go:embed kcov-sh-shim.sh
	shimSource []byte
)

// Config holds the bash engine options.
type Config struct {
	Method Method
	// Command is the bash binary, resolved through PATH.
	Command string
	// UseBasicParser selects the simple static parser.
	UseBasicParser bool
	// ParseDirs are scanned for scripts whose lines are reported even when
	// they never run.
	ParseDirs []string
	// DontParseBinaryDir disables scanning the traced script's directory.
	DontParseBinaryDir bool
	// HandleShInvocation routes nested sh invocations through bash.
	HandleShInvocation bool
}

type bashEngine struct {
	cfg       Config
	fsAdapter adapter.SourceFSAdapter
	process   adapter.ProcessAdapter
}

// NewEngine creates the shell trap bridge.
func NewEngine(cfg Config, fsAdapter adapter.SourceFSAdapter, process adapter.ProcessAdapter) engine.Engine {
	if cfg.Method == "" {
		cfg.Method = MethodPS4
	}

	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}

	return &bashEngine{cfg: cfg, fsAdapter: fsAdapter, process: process}
}

func (e *bashEngine) Name() string {
	return "bash"
}

func (e *bashEngine) Match(path string, header []byte) int {
	return matchScript(path, header)
}

func matchScript(path string, header []byte) int {
	if strings.HasSuffix(path, ".sh") {
		return 200
	}

	head := header[:min(len(header), headerScanSize)]

	switch {
	case bytes.Contains(head, []byte("#!/bin/bash")):
		return 400
	case bytes.Contains(head, []byte("#!/bin/sh")):
		return 300
	case bytes.Contains(head, []byte("bash")):
		return 100
	case bytes.Contains(head, []byte("sh")):
		return 50
	}

	return engine.MatchNone
}

func (e *bashEngine) Prepare(string) error {
	_, err := e.command()

	return err
}

// command validates the method and resolves the bash binary.
func (e *bashEngine) command() (string, error) {
	if e.cfg.Method != MethodPS4 && e.cfg.Method != MethodDebug {
		return "", fmt.Errorf("%w: %s", ErrUnknownMethod, e.cfg.Method)
	}

	path, err := exec.LookPath(e.cfg.Command)
	if err != nil {
		return "", fmt.Errorf("bash command %s: %w", e.cfg.Command, err)
	}

	return path, nil
}

func (e *bashEngine) parser() Parser {
	if e.cfg.UseBasicParser {
		return ParseBasic
	}

	return ParseFull
}

func (e *bashEngine) Run(ctx context.Context, args engine.RunArgs, listener engine.Listener) (m.ExitStatus, error) {
	command, err := e.command()
	if err != nil {
		return m.ExitStatus{}, err
	}

	helperPath, err := e.writeHelper(args.WorkDir)
	if err != nil {
		return m.ExitStatus{}, err
	}

	target := string(e.fsAdapter.RealPath(m.Path(args.Target)))
	useFD := e.cfg.Method == MethodDebug || e.supportsXtraceFD(ctx, command)

	t := newTracer(e.fsAdapter, e.parser(), args.Filter, listener, os.Stderr)
	e.discover(args, target, t)
	t.declare(target)

	r, w, err := os.Pipe()
	if err != nil {
		return m.ExitStatus{}, fmt.Errorf("trace pipe: %w", err)
	}

	defer func() {
		_ = r.Close()
	}()

	env := args.Env
	if env == nil {
		env = os.Environ()
	}

	env = append(env[:len(env):len(env)],
		"BASH_ENV="+helperPath,
		CommandEnv+"="+command,
	)

	spec := adapter.ProcessSpec{
		Path:            command,
		Args:            append([]string{target}, args.Args...),
		Stdin:           os.Stdin,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		CloseAfterStart: []io.Closer{w},
	}

	if useFD {
		fd := xtraceFD()
		spec.ExtraFiles = make([]*os.File, fd-2)
		spec.ExtraFiles[fd-3] = w

		env = append(env, XtraceFDEnv+"="+strconv.Itoa(fd))
		if e.cfg.Method == MethodPS4 {
			env = append(env, "BASH_XTRACEFD="+strconv.Itoa(fd))
		}
	} else {
		slog.Info("bash cannot redirect xtrace, tracing through stderr", "command", command)

		spec.Stderr = w
	}

	if e.cfg.HandleShInvocation {
		shimDir, err := e.writeShim(args.WorkDir)
		if err != nil {
			return m.ExitStatus{}, errors.Join(err, w.Close())
		}

		env = prependPath(env, shimDir)
	}

	spec.Env = env

	// Cancellation must not leave the reader waiting on descendants that
	// still hold the pipe.
	stop := context.AfterFunc(ctx, func() {
		_ = r.Close()
	})
	defer stop()

	var status m.ExitStatus

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var runErr error

		status, runErr = e.process.Run(gctx, spec)

		return runErr
	})

	g.Go(func() error {
		return t.consume(r)
	})

	return status, g.Wait()
}

func (e *bashEngine) writeHelper(workDir string) (string, error) {
	name, source := helperName, helperSource
	if e.cfg.Method == MethodDebug {
		name, source = debugHelperName, debugHelperSource
	}

	path := filepath.Join(workDir, name)
	if err := e.fsAdapter.WriteFile(m.Path(path), source, 0o600); err != nil {
		return "", fmt.Errorf("write helper: %w", err)
	}

	return path, nil
}

func (e *bashEngine) writeShim(workDir string) (string, error) {
	dir := filepath.Join(workDir, shimDirName)
	if err := e.fsAdapter.WriteFile(m.Path(filepath.Join(dir, "sh")), shimSource, 0o700); err != nil {
		return "", fmt.Errorf("write sh shim: %w", err)
	}

	return dir, nil
}

// discover statically parses every script under the configured directories
// so that files which never run still show up with zero hits.
func (e *bashEngine) discover(args engine.RunArgs, target string, t *tracer) {
	dirs := append([]string(nil), e.cfg.ParseDirs...)
	if !e.cfg.DontParseBinaryDir {
		dirs = append(dirs, filepath.Dir(target))
	}

	// The output root only holds our own artifacts.
	outRoot := string(e.fsAdapter.RealPath(m.Path(filepath.Dir(args.WorkDir))))

	for _, dir := range dirs {
		root := e.fsAdapter.RealPath(m.Path(dir))

		err := e.fsAdapter.Walk(root, true, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				slog.Debug("skipping unreadable path", "path", path, "error", err)
				return nil
			}

			if info.IsDir() {
				if path == outRoot {
					return filepath.SkipDir
				}

				return nil
			}

			if !info.Mode().IsRegular() || isHelper(path) {
				return nil
			}

			header, err := e.fsAdapter.ReadHeader(m.Path(path))
			if err != nil || matchScript(path, header) == engine.MatchNone {
				return nil
			}

			t.declare(path)

			return nil
		})
		if err != nil {
			slog.Warn("scanning script directory", "dir", dir, "error", err)
		}
	}
}

// supportsXtraceFD reports whether command is bash 4.2 or newer, the first
// version honoring BASH_XTRACEFD.
func (e *bashEngine) supportsXtraceFD(ctx context.Context, command string) bool {
	var out bytes.Buffer

	status, err := e.process.Run(ctx, adapter.ProcessSpec{
		Path:   command,
		Args:   []string{"-c", `echo "$BASH_VERSION"`},
		Stdout: &out,
	})
	if err != nil || status.Code != 0 || status.Signaled {
		slog.Debug("bash version probe failed", "command", command, "error", err)
		return false
	}

	major, minor, ok := parseVersion(strings.TrimSpace(out.String()))

	return ok && (major > 4 || major == 4 && minor >= 2)
}

// parseVersion reads the major and minor number of a BASH_VERSION string
// such as "5.2.15(1)-release".
func parseVersion(version string) (int, int, bool) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}

	digits := strings.IndexFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' })
	if digits < 0 {
		digits = len(parts[1])
	}

	minor, err := strconv.Atoi(parts[1][:digits])
	if err != nil {
		return 0, 0, false
	}

	return major, minor, true
}

func prependPath(env []string, dir string) []string {
	for i, kv := range env {
		if value, ok := strings.CutPrefix(kv, "PATH="); ok {
			env[i] = "PATH=" + dir + string(os.PathListSeparator) + value
			return env
		}
	}

	return append(env, "PATH="+dir)
}
