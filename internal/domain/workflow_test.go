package domain

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/controller"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

type lineEvent struct {
	line int
	hit  bool
}

// scriptedEngine replays a fixed list of events for one source file.
type scriptedEngine struct {
	source string
	events []lineEvent
	status     m.ExitStatus
	err        error
	prepareErr error
	runs       int
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Match(string, []byte) int { return 1 }

func (e *scriptedEngine) Prepare(string) error { return e.prepareErr }

func (e *scriptedEngine) Run(_ context.Context, args engine.RunArgs, listener engine.Listener) (m.ExitStatus, error) {
	e.runs++

	if !args.Filter.Accept(e.source) {
		return e.status, e.err
	}

	for _, event := range e.events {
		if event.hit {
			listener.OnHit(e.source, event.line)
		} else {
			listener.OnLine(e.source, event.line)
		}
	}

	return e.status, e.err
}

type workflowFixture struct {
	workflow Workflow
	engine   *scriptedEngine
	out      m.Path
	target   string
	source   string
	output   *bytes.Buffer
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	dir := t.TempDir()
	target := filepath.Join(dir, "prog")
	require.NoError(t, os.WriteFile(target, []byte("\x7fELF fake binary"), 0o700))

	source := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(source, []byte("int main() {\n  return 0;\n}\n"), 0o600))

	var output bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetErr(&output)

	scripted := &scriptedEngine{
		source: source,
		events: []lineEvent{{line: 1}, {line: 2}, {line: 3}, {line: 1, hit: true}, {line: 2, hit: true}},
	}

	fs := adapter.NewLocalSourceFSAdapter()

	return &workflowFixture{
		workflow: NewWorkflow(fs, newTestStore(), controller.NewSimpleUI(cmd), scripted),
		engine:   scripted,
		out:      m.Path(filepath.Join(dir, "out")),
		target:   target,
		source:   source,
		output:   &output,
	}
}

func (f *workflowFixture) load(t *testing.T, includeMerged bool) *m.MergedSession {
	t.Helper()

	merged, err := newTestStore().Load(context.Background(), f.out, includeMerged)
	require.NoError(t, err)

	return merged
}

func TestWorkflowRunAccumulates(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()

	for range 2 {
		status, err := f.workflow.Run(ctx, RunArgs{OutDir: f.out, Target: f.target})
		require.NoError(t, err)
		assert.Equal(t, m.ExitStatus{}, status)
	}

	merged := f.load(t, false)
	path := m.Path(f.source)

	assert.Equal(t, m.Hits(2), merged.Lookup(path, 1))
	assert.Equal(t, m.Hits(2), merged.Lookup(path, 2))
	assert.Equal(t, m.Hits(0), merged.Lookup(path, 3))
	assert.Equal(t, m.NoData(), merged.Lookup(path, 4))

	require.FileExists(t, string(MergedSnapshotPath(f.out)))
	assert.Contains(t, f.output.String(), "66.67%")

	_, err := f.workflow.Run(ctx, RunArgs{OutDir: f.out, Target: f.target, Clean: true})
	require.NoError(t, err)
	assert.Equal(t, m.Hits(1), f.load(t, false).Lookup(path, 1))
}

func TestWorkflowRunKeepsDataOnCrash(t *testing.T) {
	f := newWorkflowFixture(t)
	f.engine.events = []lineEvent{{line: 1}, {line: 2}, {line: 1, hit: true}}
	f.engine.status = m.ExitStatus{Signaled: true, Signal: 11}

	status, err := f.workflow.Run(context.Background(), RunArgs{OutDir: f.out, Target: f.target})
	require.NoError(t, err)
	assert.True(t, status.Signaled)
	assert.Equal(t, 11, status.Signal)

	merged := f.load(t, false)
	assert.Equal(t, m.Hits(1), merged.Lookup(m.Path(f.source), 1), "partial data is written")
	assert.Equal(t, m.Hits(0), merged.Lookup(m.Path(f.source), 2))
	assert.Contains(t, f.output.String(), "signal 11")
}

func TestWorkflowRunEngineErrorStillFinalizes(t *testing.T) {
	f := newWorkflowFixture(t)
	boom := errors.New("tracer lost the child")
	f.engine.err = boom

	_, err := f.workflow.Run(context.Background(), RunArgs{OutDir: f.out, Target: f.target})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, m.Hits(1), f.load(t, false).Lookup(m.Path(f.source), 1))
}

func TestWorkflowRunFilter(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.workflow.Run(context.Background(), RunArgs{
		OutDir: f.out,
		Target: f.target,
		Filter: FilterConfig{ExcludePatterns: []string{"main.c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, m.NoData(), f.load(t, false).Lookup(m.Path(f.source), 1))
}

func TestWorkflowRunMissingTarget(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.workflow.Run(context.Background(), RunArgs{OutDir: f.out, Target: filepath.Join(string(f.out), "nope")})
	require.ErrorIs(t, err, ErrTargetNotFound)

	_, err = f.workflow.Run(context.Background(), RunArgs{OutDir: f.out, Target: "kcov-no-such-program-on-path"})
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.Zero(t, f.engine.runs)
}

func TestWorkflowRunPrepareFailureTouchesNothing(t *testing.T) {
	f := newWorkflowFixture(t)
	f.engine.prepareErr = errors.New("interpreter not found")

	_, err := f.workflow.Run(context.Background(), RunArgs{OutDir: f.out, Target: f.target})
	require.ErrorIs(t, err, f.engine.prepareErr)
	assert.Zero(t, f.engine.runs)
	assert.NoDirExists(t, string(f.out))
}

func TestWorkflowCollectOnlyThenReport(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.workflow.Run(ctx, RunArgs{OutDir: f.out, Target: f.target, CollectOnly: true})
		require.NoError(t, err)
	}

	journals, err := filepath.Glob(filepath.Join(string(f.out), "prog", journalPattern))
	require.NoError(t, err)
	assert.Len(t, journals, 2)
	assert.Empty(t, f.load(t, false).Contributions, "collect-only never writes snapshots")

	require.NoError(t, f.workflow.Report(ctx, ReportArgs{OutDir: f.out, Target: f.target}))

	assert.Equal(t, m.Hits(2), f.load(t, false).Lookup(m.Path(f.source), 1))

	journals, err = filepath.Glob(filepath.Join(string(f.out), "prog", journalPattern))
	require.NoError(t, err)
	assert.Empty(t, journals, "replayed journals are removed")

	// Reporting again shows the stored data without changing it.
	require.NoError(t, f.workflow.Report(ctx, ReportArgs{OutDir: f.out, Target: f.target}))
	assert.Equal(t, m.Hits(2), f.load(t, false).Lookup(m.Path(f.source), 1))

	require.Error(t, f.workflow.Report(ctx, ReportArgs{OutDir: f.out, Target: "unknown"}))
}

func TestWorkflowMerge(t *testing.T) {
	first := newWorkflowFixture(t)
	second := newWorkflowFixture(t)
	second.engine.source = first.source
	ctx := context.Background()

	_, err := first.workflow.Run(ctx, RunArgs{OutDir: first.out, Target: first.target})
	require.NoError(t, err)

	_, err = second.workflow.Run(ctx, RunArgs{OutDir: second.out, Target: second.target})
	require.NoError(t, err)

	out := m.Path(filepath.Join(t.TempDir(), "merged"))
	err = first.workflow.Merge(ctx, MergeArgs{OutDir: out, Inputs: []m.Path{first.out, second.out, first.out}})
	require.NoError(t, err)

	snapshot, err := adapter.NewReportStore().LoadSnapshot(MergedSnapshotPath(out))
	require.NoError(t, err)

	merged := Merge(snapshot.Contributions...)
	// Both fixtures run an identical binary, so they share one identity.
	assert.Len(t, merged.Contributions, 1)
	assert.Equal(t, m.Hits(1), merged.Lookup(m.Path(first.source), 1))
	assert.Len(t, merged.SortedContributions()[0].Sessions, 2)
}
