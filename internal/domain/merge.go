package domain

import (
	"sort"

	m "kcov.dev/pkg/kcov/internal/model"
)

// Merge combines contributions into a MergedSession. Contributions sharing an
// identity are folded with a per-line maximum, so merging a result with any
// of its own inputs changes nothing. Distinct identities are kept apart and
// summed only when the merged session is queried.
func Merge(contributions ...*m.Contribution) *m.MergedSession {
	merged := m.NewMergedSession()

	for _, contribution := range contributions {
		if contribution == nil {
			continue
		}

		key := contribution.Identity()

		existing, ok := merged.Contributions[key]
		if !ok {
			merged.Contributions[key] = contribution.Clone()
			continue
		}

		mergeMax(existing, contribution)
	}

	return merged
}

// MergeSessions flattens merged sessions into one.
func MergeSessions(sessions ...*m.MergedSession) *m.MergedSession {
	var all []*m.Contribution

	for _, session := range sessions {
		if session == nil {
			continue
		}

		all = append(all, session.SortedContributions()...)
	}

	return Merge(all...)
}

// SnapshotOf converts a merged session into its on-disk form.
func SnapshotOf(merged *m.MergedSession) *m.Snapshot {
	return &m.Snapshot{
		Version:       m.CurrentSnapshotVersion,
		Contributions: merged.SortedContributions(),
	}
}

// mergeMax folds src into dst, which share an identity.
func mergeMax(dst, src *m.Contribution) {
	dst.Sessions = unionSessions(dst.Sessions, src.Sessions)

	for path, file := range src.Files {
		current, ok := dst.Files[path]
		if !ok {
			dst.Files[path] = file.Clone()
			continue
		}

		if current.Checksum != file.Checksum {
			// The source changed between captures of the same binary. Keep
			// one version deterministically so the fold stays commutative.
			if file.Checksum < current.Checksum {
				dst.Files[path] = file.Clone()
			}

			continue
		}

		for line, hits := range file.Lines {
			if existing, ok := current.Lines[line]; !ok || hits > existing {
				current.Lines[line] = hits
			}
		}
	}
}

func unionSessions(a, b []m.SessionID) []m.SessionID {
	seen := make(map[m.SessionID]struct{}, len(a)+len(b))

	var out []m.SessionID

	for _, list := range [][]m.SessionID{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
