package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"kcov.dev/pkg/kcov/internal/adapter"
	m "kcov.dev/pkg/kcov/internal/model"
)

const (
	// MergedDirName is the output subdirectory holding the merged snapshot.
	MergedDirName = "kcov-merged"
	// MergedSnapshotName is the file name of the merged snapshot.
	MergedSnapshotName = "merged.yaml"

	dbDirName    = "db"
	lockFileName = ".lock"
)

// FinalizeArgs describes one session to fold into an output directory.
type FinalizeArgs struct {
	OutDir  m.Path
	Session *m.Session
	Clean   bool
}

// Store accumulates sessions on disk and loads stored coverage back.
type Store interface {
	// Finalize folds a session into the per-target snapshot under an
	// exclusive lock and returns the resulting contribution.
	Finalize(ctx context.Context, args FinalizeArgs) (*m.Contribution, error)
	// Load reads every snapshot below an output root. The merged
	// directory is skipped unless includeMerged is set.
	Load(ctx context.Context, root m.Path, includeMerged bool) (*m.MergedSession, error)
	// WriteMerged replaces the merged snapshot of an output root.
	WriteMerged(ctx context.Context, root m.Path, merged *m.MergedSession) error
}

type store struct {
	reports   adapter.ReportStore
	locker    adapter.Locker
	fsAdapter adapter.SourceFSAdapter
	loaders   int
}

// NewStore creates a Store persisting through reports and serialized by
// locker. fsAdapter removes stored data when a session asks for a clean
// start.
func NewStore(reports adapter.ReportStore, locker adapter.Locker, fsAdapter adapter.SourceFSAdapter) Store {
	return &store{
		reports:   reports,
		locker:    locker,
		fsAdapter: fsAdapter,
		loaders:   8,
	}
}

// TargetDir is where the data of target lives below an output root.
func TargetDir(root m.Path, target string) m.Path {
	return m.Path(filepath.Join(string(root), target))
}

// SnapshotPath is the content-addressed snapshot file of a target identity.
func SnapshotPath(root m.Path, target, checksum string) m.Path {
	return m.Path(filepath.Join(string(TargetDir(root, target)), dbDirName, checksum+".yaml"))
}

// MergedSnapshotPath is the merged snapshot file of an output root.
func MergedSnapshotPath(root m.Path) m.Path {
	return m.Path(filepath.Join(string(root), MergedDirName, dbDirName, MergedSnapshotName))
}

func (s *store) Finalize(ctx context.Context, args FinalizeArgs) (*m.Contribution, error) {
	session := args.Session
	if session == nil {
		return nil, errors.New("no session to finalize")
	}

	targetDir := TargetDir(args.OutDir, session.Target)

	release, err := s.locker.Lock(ctx, m.Path(filepath.Join(string(targetDir), lockFileName)))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", targetDir, err)
	}

	defer func() {
		if err := release(); err != nil {
			slog.Warn("failed to release lock", "dir", targetDir, "error", err)
		}
	}()

	dbDir := m.Path(filepath.Join(string(targetDir), dbDirName))
	snapshotPath := SnapshotPath(args.OutDir, session.Target, session.Checksum)

	var prior *m.Contribution

	if args.Clean {
		// The lock file lives next to db, so only the data goes.
		if err := s.fsAdapter.RemoveAll(dbDir); err != nil {
			return nil, fmt.Errorf("clean %s: %w", dbDir, err)
		}

		slog.Debug("cleaned stored coverage", "dir", dbDir)
	} else {
		prior, err = s.loadSingle(snapshotPath)
		if err != nil {
			return nil, err
		}

		if err := s.removeStale(dbDir, snapshotPath); err != nil {
			return nil, err
		}
	}

	contribution := Accumulate(prior, session)

	err = s.reports.SaveSnapshot(snapshotPath, &m.Snapshot{
		Version:       m.CurrentSnapshotVersion,
		Contributions: []*m.Contribution{contribution},
	})
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", snapshotPath, err)
	}

	slog.Info("session finalized",
		"target", session.Target,
		"session", session.ID,
		"files", len(contribution.Files),
		"sessions", len(contribution.Sessions))

	return contribution, nil
}

func (s *store) loadSingle(path m.Path) (*m.Contribution, error) {
	snapshot, err := s.reports.LoadSnapshot(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if len(snapshot.Contributions) == 0 {
		return nil, nil
	}

	return snapshot.Contributions[0], nil
}

// removeStale drops snapshots of other checksums of the target: a rebuilt
// binary invalidates everything collected for the old one.
func (s *store) removeStale(dbDir, keep m.Path) error {
	paths, err := s.reports.ListSnapshots(dbDir)
	if err != nil {
		return err
	}

	for _, path := range paths {
		if path == keep {
			continue
		}

		if err := os.Remove(string(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale snapshot: %w", err)
		}

		slog.Debug("removed snapshot", "path", path)
	}

	return nil
}

// Accumulate folds session into prior. Without prior data, or when prior
// belongs to another build of the target, the result holds only session.
// A session already folded in is not counted twice.
func Accumulate(prior *m.Contribution, session *m.Session) *m.Contribution {
	if prior == nil || prior.Checksum != session.Checksum || prior.Target != session.Target {
		prior = m.NewContribution(session.Target, session.Checksum)
	} else {
		prior = prior.Clone()
	}

	if prior.HasSession(session.ID) {
		return prior
	}

	prior.Sessions = append(prior.Sessions, session.ID)

	for path, file := range session.Files {
		current, ok := prior.Files[path]
		if !ok || current.Checksum != file.Checksum {
			prior.Files[path] = file.Clone()
			continue
		}

		for line, hits := range file.Lines {
			current.Lines[line] += hits
		}
	}

	return prior
}

func (s *store) Load(ctx context.Context, root m.Path, includeMerged bool) (*m.MergedSession, error) {
	entries, err := os.ReadDir(string(root))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var (
		mu            sync.Mutex
		contributions []*m.Contribution
	)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.loaders)

	for _, entry := range entries {
		if !entry.IsDir() || (entry.Name() == MergedDirName && !includeMerged) {
			continue
		}

		dbDir := m.Path(filepath.Join(string(root), entry.Name(), dbDirName))

		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			paths, err := s.reports.ListSnapshots(dbDir)
			if err != nil {
				return err
			}

			for _, path := range paths {
				snapshot, err := s.reports.LoadSnapshot(path)
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}

				mu.Lock()
				contributions = append(contributions, snapshot.Contributions...)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return Merge(contributions...), nil
}

func (s *store) WriteMerged(ctx context.Context, root m.Path, merged *m.MergedSession) error {
	mergedDir := filepath.Join(string(root), MergedDirName)

	release, err := s.locker.Lock(ctx, m.Path(filepath.Join(mergedDir, lockFileName)))
	if err != nil {
		return fmt.Errorf("lock %s: %w", mergedDir, err)
	}

	defer func() {
		if err := release(); err != nil {
			slog.Warn("failed to release lock", "dir", mergedDir, "error", err)
		}
	}()

	path := MergedSnapshotPath(root)
	if err := s.reports.SaveSnapshot(path, SnapshotOf(merged)); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}

	slog.Info("merged snapshot written", "path", path, "identities", len(merged.Contributions))

	return nil
}
