package model

import "sort"

// MergedSession is the union of contributions from one or more targets,
// keyed by identity. Counts for the same (file, line) are summed across
// identities when queried.
type MergedSession struct {
	Contributions map[string]*Contribution
}

// NewMergedSession creates an empty merged session.
func NewMergedSession() *MergedSession {
	return &MergedSession{Contributions: make(map[string]*Contribution)}
}

// Identities returns the contribution keys in lexical order.
func (m *MergedSession) Identities() []string {
	keys := make([]string, 0, len(m.Contributions))
	for key := range m.Contributions {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// SortedContributions returns the contributions ordered by identity.
func (m *MergedSession) SortedContributions() []*Contribution {
	out := make([]*Contribution, 0, len(m.Contributions))
	for _, key := range m.Identities() {
		out = append(out, m.Contributions[key])
	}

	return out
}

// Lookup returns the combined state of (file, line).
func (m *MergedSession) Lookup(file Path, line int) LineState {
	view, ok := m.Files()[file]
	if !ok {
		return NoData()
	}

	return view.Lookup(line)
}

// Files builds the combined per-file view. When identities disagree on the
// content fingerprint of a path, the fingerprint most identities agree on
// wins (ties go to the lexically smallest) and the others are ignored.
func (m *MergedSession) Files() map[Path]*SourceFile {
	votes := make(map[Path]map[string]int)

	for _, contribution := range m.Contributions {
		for path, file := range contribution.Files {
			if votes[path] == nil {
				votes[path] = make(map[string]int)
			}

			votes[path][file.Checksum]++
		}
	}

	chosen := make(map[Path]string, len(votes))
	for path, counts := range votes {
		chosen[path] = pickFingerprint(counts)
	}

	out := make(map[Path]*SourceFile, len(chosen))

	for _, key := range m.Identities() {
		for path, file := range m.Contributions[key].Files {
			if file.Checksum != chosen[path] {
				continue
			}

			view, ok := out[path]
			if !ok {
				view = NewSourceFile(path, file.Checksum)
				out[path] = view
			}

			for line, hits := range file.Lines {
				view.Lines[line] += hits
			}
		}
	}

	return out
}

func pickFingerprint(counts map[string]int) string {
	best := ""
	bestCount := -1

	for fingerprint, count := range counts {
		if count > bestCount || (count == bestCount && fingerprint < best) {
			best = fingerprint
			bestCount = count
		}
	}

	return best
}
