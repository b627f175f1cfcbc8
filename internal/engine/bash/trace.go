package bash

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

const traceMarker = "kcov@"

var badTraceLogLimiter = rate.NewLimiter(rate.Every(time.Minute), 10)

// tracer turns xtrace output into line events. It is used from a single
// goroutine.
type tracer struct {
	fsAdapter adapter.SourceFSAdapter
	parse     Parser
	filter    engine.FileFilter
	listener  engine.Listener
	// passthrough receives trace stream lines that are not markers.
	passthrough io.Writer

	inQuote  bool
	seen     map[string]bool
	resolved map[string]string
}

func newTracer(
	fsAdapter adapter.SourceFSAdapter,
	parse Parser,
	filter engine.FileFilter,
	listener engine.Listener,
	passthrough io.Writer,
) *tracer {
	return &tracer{
		fsAdapter:   fsAdapter,
		parse:       parse,
		filter:      filter,
		listener:    listener,
		passthrough: passthrough,
		seen:        make(map[string]bool),
		resolved:    make(map[string]string),
	}
}

// consume reads r until it is closed or hits EOF.
func (t *tracer) consume(r io.Reader) error {
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			t.handle(line)
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}

// handle processes one line of trace output.
func (t *tracer) handle(line string) {
	// Continuation of a single-quoted string printed by xtrace.
	if t.inQuote {
		t.inQuote = quoteState(true, line)
		return
	}

	marker := strings.Index(line, traceMarker)
	if marker < 0 {
		if t.passthrough != nil {
			_, _ = io.WriteString(t.passthrough, line)
		}

		return
	}

	t.inQuote = quoteState(false, line)

	parts := strings.SplitN(line[marker:], "@", 4)
	if len(parts) < 3 {
		return
	}

	lineNo, err := strconv.Atoi(parts[2])
	if err != nil {
		if badTraceLogLimiter.Allow() {
			slog.Warn("malformed trace line number", "line", strings.TrimSpace(line))
		}

		return
	}

	file := t.realPath(parts[1])
	if isHelper(file) || !t.filter.Accept(file) {
		return
	}

	t.declare(file)
	t.listener.OnHit(file, lineNo)
}

// declare reports the static lines of a file the first time it is seen.
func (t *tracer) declare(file string) {
	if t.seen[file] {
		return
	}

	t.seen[file] = true

	if !t.filter.Accept(file) {
		return
	}

	src, err := t.fsAdapter.ReadFile(m.Path(file))
	if err != nil {
		slog.Debug("script not readable", "path", file, "error", err)
		return
	}

	for _, line := range t.parse(src) {
		t.listener.OnLine(file, line)
	}
}

func (t *tracer) realPath(file string) string {
	if resolved, ok := t.resolved[file]; ok {
		return resolved
	}

	resolved := string(t.fsAdapter.RealPath(m.Path(file)))
	t.resolved[file] = resolved

	return resolved
}

// quoteState returns whether a single-quoted string is still open after
// line, starting from inQuote. Backslashes escape outside quotes only.
func quoteState(inQuote bool, line string) bool {
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '\\' && !inQuote:
			i++
		case line[i] == '\'':
			inQuote = !inQuote
		}
	}

	return inQuote
}

func isHelper(path string) bool {
	switch filepath.Base(path) {
	case helperName, debugHelperName:
		return true
	}

	return false
}
