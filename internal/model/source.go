// Package model defines the data structures for line coverage collection.
package model

import "sort"

// Path represents a file system path.
type Path string

// HitCount is the number of times a line was observed executing.
// Zero means the line is instrumented but never ran.
type HitCount uint64

// SourceFile holds the sparse line -> hit count mapping for one source file.
// Only instrumentable or observed lines ever have an entry.
type SourceFile struct {
	Path     Path
	Checksum string // content fingerprint, empty when the file could not be read
	Lines    map[int]HitCount
}

// NewSourceFile creates an empty SourceFile for path.
func NewSourceFile(path Path, checksum string) *SourceFile {
	return &SourceFile{
		Path:     path,
		Checksum: checksum,
		Lines:    make(map[int]HitCount),
	}
}

// AddLine marks line as instrumentable without touching an existing count.
func (f *SourceFile) AddLine(line int) {
	if _, ok := f.Lines[line]; !ok {
		f.Lines[line] = 0
	}
}

// Hit increments the count of line, creating it with count 1 when unknown.
func (f *SourceFile) Hit(line int) {
	f.Lines[line]++
}

// Lookup returns the state of line in this file.
func (f *SourceFile) Lookup(line int) LineState {
	if f == nil {
		return NoData()
	}

	hits, ok := f.Lines[line]
	if !ok {
		return NoData()
	}

	return Hits(hits)
}

// SortedLines returns the line numbers in ascending order.
func (f *SourceFile) SortedLines() []int {
	lines := make([]int, 0, len(f.Lines))
	for line := range f.Lines {
		lines = append(lines, line)
	}

	sort.Ints(lines)

	return lines
}

// Clone returns a deep copy of f.
func (f *SourceFile) Clone() *SourceFile {
	out := NewSourceFile(f.Path, f.Checksum)
	for line, hits := range f.Lines {
		out.Lines[line] = hits
	}

	return out
}

// Stats returns the number of instrumented lines and how many of them executed.
func (f *SourceFile) Stats() (instrumented, executed int) {
	for _, hits := range f.Lines {
		instrumented++

		if hits > 0 {
			executed++
		}
	}

	return instrumented, executed
}

// LineState is what a consumer sees for a (file, line) query: either no data
// or a hit count, where a count of zero is a real data point.
type LineState struct {
	known bool
	hits  HitCount
}

// NoData is the state of a line that was never instrumented or observed.
func NoData() LineState {
	return LineState{}
}

// Hits is the state of an instrumented line that executed n times.
func Hits(n HitCount) LineState {
	return LineState{known: true, hits: n}
}

// Known reports whether the line has data at all.
func (s LineState) Known() bool {
	return s.known
}

// Count returns the hit count. It is only meaningful when Known is true.
func (s LineState) Count() HitCount {
	return s.hits
}

// Executed reports whether the line ran at least once.
func (s LineState) Executed() bool {
	return s.known && s.hits > 0
}
