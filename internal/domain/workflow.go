package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/controller"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
	"kcov.dev/pkg/kcov/pkg"
)

const (
	journalPattern   = "journal-*.gob"
	finalizeTimeout  = 2 * time.Minute
	defaultMergeJobs = 4
)

// ErrTargetNotFound is returned when the program to run does not exist.
var ErrTargetNotFound = errors.New("target not found")

// RunArgs describes one coverage run.
type RunArgs struct {
	OutDir      m.Path
	Target      string
	Args        []string
	Clean       bool
	CollectOnly bool
	Filter      FilterConfig
}

// ReportArgs describes a report-only pass over previously collected data.
type ReportArgs struct {
	OutDir m.Path
	Target string
	Clean  bool
	Filter FilterConfig
}

// MergeArgs describes merging several output directories.
type MergeArgs struct {
	OutDir m.Path
	Inputs []m.Path
}

// Workflow orchestrates running targets, accumulating and merging coverage.
type Workflow interface {
	Run(ctx context.Context, args RunArgs) (m.ExitStatus, error)
	Report(ctx context.Context, args ReportArgs) error
	Merge(ctx context.Context, args MergeArgs) error
}

type workflow struct {
	adapter.SourceFSAdapter
	Store

	ui      controller.UI
	engines []engine.Engine
}

// NewWorkflow creates a Workflow. Engines are tried in order of their match
// score for each target.
func NewWorkflow(
	fsAdapter adapter.SourceFSAdapter,
	store Store,
	ui controller.UI,
	engines ...engine.Engine,
) Workflow {
	return &workflow{
		SourceFSAdapter: fsAdapter,
		Store:           store,
		ui:              ui,
		engines:         engines,
	}
}

func (w *workflow) Run(ctx context.Context, args RunArgs) (m.ExitStatus, error) {
	targetPath, err := w.locateTarget(args.Target)
	if err != nil {
		return m.ExitStatus{}, err
	}

	header, err := w.ReadHeader(m.Path(targetPath))
	if err != nil {
		return m.ExitStatus{}, fmt.Errorf("read %s: %w", targetPath, err)
	}

	selected, err := engine.Select(w.engines, targetPath, header)
	if err != nil {
		return m.ExitStatus{}, fmt.Errorf("%s: %w", targetPath, err)
	}

	if err := engine.Prepare(selected, targetPath); err != nil {
		return m.ExitStatus{}, fmt.Errorf("%s engine: %w", selected.Name(), err)
	}

	checksum, err := w.HashFile(m.Path(targetPath))
	if err != nil {
		return m.ExitStatus{}, fmt.Errorf("hash %s: %w", targetPath, err)
	}

	name := filepath.Base(targetPath)
	workDir := TargetDir(args.OutDir, name)

	if err := os.MkdirAll(string(workDir), 0o750); err != nil {
		return m.ExitStatus{}, fmt.Errorf("create %s: %w", workDir, err)
	}

	filter := NewFilter(args.Filter, w.SourceFSAdapter)
	collector := NewCollector(filter, w.SourceFSAdapter)
	collector.Begin(name, checksum)

	w.ui.DisplayTarget(ctx, name, selected.Name())
	slog.Info("running target", "target", targetPath, "engine", selected.Name(), "args", args.Args)

	status, runErr := selected.Run(ctx, engine.RunArgs{
		Target:  targetPath,
		Args:    args.Args,
		WorkDir: string(workDir),
		Filter:  filter.Accept,
	}, collector.Listener(name))
	if runErr != nil {
		slog.Error("engine failed", "target", targetPath, "error", runErr)
	}

	w.ui.DisplayExit(ctx, status)

	session, _ := collector.Session(name)

	// Data is kept even when the run was interrupted.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if args.CollectOnly {
		return status, errors.Join(runErr, w.journal(workDir, session))
	}

	contribution, err := w.Finalize(persistCtx, FinalizeArgs{OutDir: args.OutDir, Session: session, Clean: args.Clean})
	if err != nil {
		return status, errors.Join(runErr, err)
	}

	if err := w.refreshMerged(persistCtx, args.OutDir); err != nil {
		return status, errors.Join(runErr, err)
	}

	return status, errors.Join(runErr, w.ui.DisplaySummary(ctx, Summarize(name, contribution.Files)))
}

// locateTarget resolves bare program names through PATH like a shell does.
func (w *workflow) locateTarget(target string) (string, error) {
	if !strings.Contains(target, "/") {
		path, err := exec.LookPath(target)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrTargetNotFound, target)
		}

		target = path
	}

	info, err := w.FileInfo(m.Path(target))
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", target, err)
	}

	return abs, nil
}

func (w *workflow) journal(workDir m.Path, session *m.Session) error {
	spill, err := pkg.NewFileSpill[*m.Session](string(workDir), journalPattern)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}

	if err := spill.Append(session); err != nil {
		return errors.Join(fmt.Errorf("write journal: %w", err), spill.Close())
	}

	slog.Info("session journaled", "path", spill.Path(), "session", session.ID)

	return spill.Close()
}

func (w *workflow) Report(ctx context.Context, args ReportArgs) error {
	name := filepath.Base(args.Target)
	workDir := TargetDir(args.OutDir, name)

	journals, err := pkg.ListFileSpills(string(workDir), journalPattern)
	if err != nil {
		return err
	}

	filter := NewFilter(args.Filter, w.SourceFSAdapter)
	clean := args.Clean

	var contribution *m.Contribution

	for _, path := range journals {
		spill, err := pkg.OpenFileSpill[*m.Session](path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}

		slog.Info("replaying journal", "path", path, "sessions", spill.Len())

		err = spill.Range(func(_ uint64, session *m.Session) error {
			result, err := w.Finalize(ctx, FinalizeArgs{
				OutDir:  args.OutDir,
				Session: filterSession(session, filter),
				Clean:   clean,
			})
			if err != nil {
				return err
			}

			clean = false
			contribution = result

			return nil
		})
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}

		if err := spill.Remove(); err != nil {
			return fmt.Errorf("remove journal: %w", err)
		}
	}

	if contribution == nil {
		merged, err := w.Load(ctx, args.OutDir, false)
		if err != nil {
			return err
		}

		for _, candidate := range merged.SortedContributions() {
			if candidate.Target == name {
				contribution = candidate
			}
		}
	}

	if contribution == nil {
		return fmt.Errorf("no coverage data for %s in %s", name, args.OutDir)
	}

	if err := w.refreshMerged(ctx, args.OutDir); err != nil {
		return err
	}

	return w.ui.DisplaySummary(ctx, Summarize(name, contribution.Files))
}

// filterSession applies the report-time filter to a journaled session.
func filterSession(session *m.Session, filter Filter) *m.Session {
	out := &m.Session{
		ID:       session.ID,
		Target:   session.Target,
		Checksum: session.Checksum,
		Files:    make(map[m.Path]*m.SourceFile, len(session.Files)),
	}

	for path, file := range session.Files {
		if filter.Accept(string(path)) {
			out.Files[path] = file
		}
	}

	return out
}

func (w *workflow) refreshMerged(ctx context.Context, root m.Path) error {
	merged, err := w.Load(ctx, root, false)
	if err != nil {
		return fmt.Errorf("load %s: %w", root, err)
	}

	return w.WriteMerged(ctx, root, merged)
}

func (w *workflow) Merge(ctx context.Context, args MergeArgs) error {
	loaded := make([]*m.MergedSession, len(args.Inputs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaultMergeJobs)

	var mu sync.Mutex

	for i, input := range args.Inputs {
		group.Go(func() error {
			session, err := w.Load(groupCtx, input, true)
			if err != nil {
				return fmt.Errorf("load %s: %w", input, err)
			}

			mu.Lock()
			loaded[i] = session
			mu.Unlock()

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	merged := MergeSessions(loaded...)

	if err := w.WriteMerged(ctx, args.OutDir, merged); err != nil {
		return err
	}

	return w.ui.DisplaySummary(ctx, Summarize(MergedDirName, merged.Files()))
}

// Summarize turns per-file line data into terminal summary rows.
func Summarize(title string, files map[m.Path]*m.SourceFile) m.Summary {
	summary := m.Summary{Title: title}

	for path, file := range files {
		instrumented, executed := file.Stats()
		summary.Files = append(summary.Files, m.FileSummary{
			Path:         path,
			Instrumented: instrumented,
			Executed:     executed,
		})
	}

	return summary
}
