package model

import (
	"sort"

	"github.com/google/uuid"
)

// SessionID identifies one captured execution.
type SessionID string

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Session is the hit data produced by one execution of one target.
type Session struct {
	ID       SessionID
	Target   string
	Checksum string
	Files    map[Path]*SourceFile
}

// NewSession creates an empty session for target.
func NewSession(target, checksum string) *Session {
	return &Session{
		ID:       NewSessionID(),
		Target:   target,
		Checksum: checksum,
		Files:    make(map[Path]*SourceFile),
	}
}

// File returns the SourceFile for path, creating it when needed.
func (s *Session) File(path Path, checksum string) *SourceFile {
	file, ok := s.Files[path]
	if !ok {
		file = NewSourceFile(path, checksum)
		s.Files[path] = file
	}

	return file
}

// Contribution is the persisted, accumulated data of one target identity.
type Contribution struct {
	Target   string
	Checksum string
	Sessions []SessionID
	Files    map[Path]*SourceFile
}

// NewContribution creates an empty contribution for a target identity.
func NewContribution(target, checksum string) *Contribution {
	return &Contribution{
		Target:   target,
		Checksum: checksum,
		Files:    make(map[Path]*SourceFile),
	}
}

// Identity is the key under which contributions are deduplicated when merging.
func (c *Contribution) Identity() string {
	return IdentityOf(c.Target, c.Checksum)
}

// IdentityOf builds the identity key for a target name and checksum.
func IdentityOf(target, checksum string) string {
	return target + "@" + checksum
}

// Lookup returns the state of (file, line) within this contribution.
func (c *Contribution) Lookup(file Path, line int) LineState {
	return c.Files[file].Lookup(line)
}

// HasSession reports whether id has already been folded into c.
func (c *Contribution) HasSession(id SessionID) bool {
	for _, existing := range c.Sessions {
		if existing == id {
			return true
		}
	}

	return false
}

// SortedPaths returns the file paths in lexical order.
func (c *Contribution) SortedPaths() []Path {
	return sortedPaths(c.Files)
}

// Clone returns a deep copy of c.
func (c *Contribution) Clone() *Contribution {
	out := NewContribution(c.Target, c.Checksum)
	out.Sessions = append([]SessionID(nil), c.Sessions...)

	for path, file := range c.Files {
		out.Files[path] = file.Clone()
	}

	return out
}

// Snapshot is the on-disk unit of stored coverage. A per-target snapshot
// holds a single contribution, a merged snapshot one per identity.
type Snapshot struct {
	Version       int
	Contributions []*Contribution
}

// CurrentSnapshotVersion is written into every new snapshot.
const CurrentSnapshotVersion = 1

func sortedPaths(files map[Path]*SourceFile) []Path {
	paths := make([]Path, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	return paths
}
