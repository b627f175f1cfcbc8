package domain

import (
	"log/slog"
	"path/filepath"
	"sync"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

// Collector holds the in-progress sessions of the targets being run and
// folds line events into them. It is safe for concurrent use.
type Collector interface {
	// Begin starts a session for target. Calling it again replaces the
	// session.
	Begin(target, checksum string) *m.Session
	// Record counts one execution of (file, line).
	Record(target, file string, line int)
	// AddLine declares (file, line) instrumentable without counting it.
	AddLine(target, file string, line int)
	// Listener adapts the collector to the engine event interface.
	Listener(target string) engine.Listener
	// Session returns a copy of the current session of target.
	Session(target string) (*m.Session, bool)
}

type collector struct {
	filter    Filter
	fsAdapter adapter.SourceFSAdapter

	mu        sync.Mutex
	sessions  map[string]*m.Session
	checksums map[m.Path]string
}

// NewCollector creates a Collector that drops events for files rejected by filter.
func NewCollector(filter Filter, fsAdapter adapter.SourceFSAdapter) Collector {
	return &collector{
		filter:    filter,
		fsAdapter: fsAdapter,
		sessions:  make(map[string]*m.Session),
		checksums: make(map[m.Path]string),
	}
}

func (c *collector) Begin(target, checksum string) *m.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	session := m.NewSession(target, checksum)
	c.sessions[target] = session

	slog.Debug("session started", "target", target, "checksum", checksum, "session", session.ID)

	return session
}

func (c *collector) Record(target, file string, line int) {
	c.apply(target, file, line, (*m.SourceFile).Hit)
}

func (c *collector) AddLine(target, file string, line int) {
	c.apply(target, file, line, (*m.SourceFile).AddLine)
}

func (c *collector) apply(target, file string, line int, fold func(*m.SourceFile, int)) {
	if line <= 0 || file == "" {
		return
	}

	path := normalizePath(file)
	if !c.filter.Accept(string(path)) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[target]
	if !ok {
		session = m.NewSession(target, "")
		c.sessions[target] = session
	}

	fold(session.File(path, c.checksumLocked(path)), line)
}

func (c *collector) checksumLocked(path m.Path) string {
	if checksum, ok := c.checksums[path]; ok {
		return checksum
	}

	checksum, err := c.fsAdapter.HashFile(path)
	if err != nil {
		slog.Debug("source not readable", "path", path, "error", err)
	}

	c.checksums[path] = checksum

	return checksum
}

func (c *collector) Listener(target string) engine.Listener {
	return &targetListener{collector: c, target: target}
}

func (c *collector) Session(target string) (*m.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[target]
	if !ok {
		return nil, false
	}

	out := &m.Session{
		ID:       session.ID,
		Target:   session.Target,
		Checksum: session.Checksum,
		Files:    make(map[m.Path]*m.SourceFile, len(session.Files)),
	}

	for path, file := range session.Files {
		out.Files[path] = file.Clone()
	}

	return out, true
}

type targetListener struct {
	collector *collector
	target    string
}

func (l *targetListener) OnLine(file string, line int) {
	l.collector.AddLine(l.target, file, line)
}

func (l *targetListener) OnHit(file string, line int) {
	l.collector.Record(l.target, file, line)
}

func normalizePath(file string) m.Path {
	abs, err := filepath.Abs(file)
	if err != nil {
		return m.Path(filepath.Clean(file))
	}

	return m.Path(abs)
}
