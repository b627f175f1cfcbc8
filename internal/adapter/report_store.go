package adapter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	m "kcov.dev/pkg/kcov/internal/model"
)

// ErrUnsupportedSnapshot is returned for snapshots written by a newer format.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

// ReportStore persists coverage snapshots.
type ReportStore interface {
	// LoadSnapshot reads the snapshot at path. A missing file yields an
	// error matching fs.ErrNotExist.
	LoadSnapshot(path m.Path) (*m.Snapshot, error)
	// SaveSnapshot replaces the snapshot at path atomically.
	SaveSnapshot(path m.Path, snapshot *m.Snapshot) error
	// ListSnapshots returns every snapshot file in dir.
	ListSnapshots(dir m.Path) ([]m.Path, error)
}

type yamlReportStore struct{}

// NewReportStore returns a ReportStore that keeps snapshots as YAML files.
func NewReportStore() ReportStore {
	return &yamlReportStore{}
}

type snapshotDoc struct {
	Version       int               `yaml:"version"`
	Contributions []contributionDoc `yaml:"contributions"`
}

type contributionDoc struct {
	Target   string    `yaml:"target"`
	Checksum string    `yaml:"checksum"`
	Sessions []string  `yaml:"sessions,omitempty"`
	Files    []fileDoc `yaml:"files"`
}

type fileDoc struct {
	Path     string         `yaml:"path"`
	Checksum string         `yaml:"checksum,omitempty"`
	Lines    map[int]uint64 `yaml:"lines"`
}

// LoadSnapshot implements ReportStore.
func (s *yamlReportStore) LoadSnapshot(path m.Path) (*m.Snapshot, error) {
	// #nosec G304 - snapshot paths live below the output directory
	data, err := os.ReadFile(string(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}

	if doc.Version > m.CurrentSnapshotVersion {
		return nil, fmt.Errorf("%w: %d in %s", ErrUnsupportedSnapshot, doc.Version, path)
	}

	snapshot := &m.Snapshot{Version: doc.Version}

	for _, cd := range doc.Contributions {
		contribution := m.NewContribution(cd.Target, cd.Checksum)

		for _, id := range cd.Sessions {
			contribution.Sessions = append(contribution.Sessions, m.SessionID(id))
		}

		for _, fd := range cd.Files {
			file := m.NewSourceFile(m.Path(fd.Path), fd.Checksum)
			for line, hits := range fd.Lines {
				file.Lines[line] = m.HitCount(hits)
			}

			contribution.Files[file.Path] = file
		}

		snapshot.Contributions = append(snapshot.Contributions, contribution)
	}

	return snapshot, nil
}

// SaveSnapshot implements ReportStore.
func (s *yamlReportStore) SaveSnapshot(path m.Path, snapshot *m.Snapshot) error {
	doc := snapshotDoc{Version: snapshot.Version}
	if doc.Version == 0 {
		doc.Version = m.CurrentSnapshotVersion
	}

	for _, contribution := range snapshot.Contributions {
		cd := contributionDoc{Target: contribution.Target, Checksum: contribution.Checksum}

		for _, id := range contribution.Sessions {
			cd.Sessions = append(cd.Sessions, string(id))
		}

		for _, filePath := range contribution.SortedPaths() {
			file := contribution.Files[filePath]
			fd := fileDoc{Path: string(file.Path), Checksum: file.Checksum, Lines: make(map[int]uint64, len(file.Lines))}

			for line, hits := range file.Lines {
				fd.Lines[line] = uint64(hits)
			}

			cd.Files = append(cd.Files, fd)
		}

		doc.Contributions = append(doc.Contributions, cd)
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return writeFileAtomic(string(path), data)
}

// ListSnapshots implements ReportStore.
func (s *yamlReportStore) ListSnapshots(dir m.Path) ([]m.Path, error) {
	entries, err := os.ReadDir(string(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var out []m.Path

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		out = append(out, m.Path(filepath.Join(string(dir), entry.Name())))
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}
