package ptrace

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcov.dev/pkg/kcov/internal/debuginfo"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

const root = 100

var (
	planted  = fmt.Sprintf("%x", breakpointInstr)
	original = fmt.Sprintf("%x", bytes.Repeat([]byte{0x90}, len(breakpointInstr)))
)

func appImage() *debuginfo.Image {
	return &debuginfo.Image{
		Path: "/bin/app",
		Type: elf.ET_EXEC,
		Exec: []debuginfo.Range{{Start: 0x1000, End: 0x2000}},
		Lines: []debuginfo.LineAddr{
			{Addr: 0x1000, File: "/src/a.c", Line: 1},
			{Addr: 0x1010, File: "/src/a.c", Line: 2},
			{Addr: 0x1010, File: "/src/b.h", Line: 7},
			{Addr: 0x1020, File: "/skip/x.c", Line: 3},
			{Addr: 0x3000, File: "/src/a.c", Line: 9},
		},
	}
}

type harness struct {
	backend *fakeBackend
	rec     *recorder
	tracer  *tracer
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config, main *debuginfo.Image, extra ...*debuginfo.Image) *harness {
	t.Helper()

	if !archSupported {
		t.Skip("breakpoints are not supported on this architecture")
	}

	resolver := fakeResolver{main.Path: main}
	for _, img := range extra {
		resolver[img.Path] = img
	}

	backend := newFakeBackend(root, main.Path)
	rec := newRecorder()
	filter := engine.FileFilter(func(path string) bool {
		return !strings.HasPrefix(path, "/skip/")
	})

	tr := newTracer(backend, resolver, filter, rec, cfg, 4096)
	tr.validate = func(code []byte) bool {
		return code[0] != 0x06
	}

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tr.now = clock.Now
	tr.sleep = clock.Sleep

	return &harness{backend: backend, rec: rec, tracer: tr, clock: clock}
}

func (h *harness) run(t *testing.T) m.ExitStatus {
	t.Helper()

	status, err := h.tracer.run(context.Background(), "/bin/app", []string{"/bin/app"}, nil)
	require.NoError(t, err)

	return status
}

func trap(pid int, addr uint64) scripted {
	return scripted{stop: Stop{PID: pid, Kind: StopTrap, Signal: sigTrap}, pc: addr + trapPCOffset}
}

func signal(pid, sig int) scripted {
	return scripted{stop: Stop{PID: pid, Kind: StopSignal, Signal: sig}}
}

func event(pid int, kind StopKind, child int) scripted {
	return scripted{stop: Stop{PID: pid, Kind: kind, NewPID: child}}
}

func exited(pid, code int) scripted {
	return scripted{stop: Stop{PID: pid, Kind: StopExited, Code: code}}
}

func killed(pid, sig int) scripted {
	return scripted{stop: Stop{PID: pid, Kind: StopKilled, Signal: sig}}
}

func TestTracerPlantsFilteredExecutableLines(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.push(exited(root, 0))

	status := h.run(t)

	assert.Equal(t, m.ExitStatus{}, status)
	assert.Equal(t, []string{
		"start 100",
		"poke 100 0x1000 " + planted,
		"poke 100 0x1010 " + planted,
		"cont 100 0",
	}, h.backend.calls)
	assert.Equal(t, map[string]map[int]int{
		"/src/a.c": {1: 0, 2: 0},
		"/src/b.h": {7: 0},
	}, h.rec.lines)
}

func TestTracerBreakpointHitStepsAndReplants(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.push(
		trap(root, 0x1010),
		trap(root, 0x1014),
		exited(root, 3),
	)

	status := h.run(t)

	assert.Equal(t, m.ExitStatus{Code: 3}, status)
	assert.Equal(t, []string{
		"setpc 100 0x1010",
		"poke 100 0x1010 " + original,
		"step 100",
		"poke 100 0x1010 " + planted,
		"cont 100 0",
	}, h.backend.callsFrom("cont 100 0"))
	assert.Equal(t, map[int]int{1: 0, 2: 1}, h.rec.lines["/src/a.c"])
	assert.Equal(t, map[int]int{7: 1}, h.rec.lines["/src/b.h"])
}

func TestTracerThreadsShareBreakpoints(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.push(
		event(root, StopClone, 101),
		signal(101, sigStop),
		trap(root, 0x1000),
		trap(101, 0x1000),
		trap(root, 0x1004),
		trap(101, 0x1004),
		exited(101, 0),
		exited(root, 0),
	)

	h.run(t)

	// The trap goes back only after both threads stepped past it.
	assert.Equal(t, []string{
		"cont 101 0",
		"cont 100 0",
		"setpc 100 0x1000",
		"poke 100 0x1000 " + original,
		"step 100",
		"setpc 101 0x1000",
		"poke 101 0x1000 " + original,
		"step 101",
		"cont 100 0",
		"poke 101 0x1000 " + planted,
		"cont 101 0",
	}, h.backend.callsFrom("cont 100 0"))
	assert.Equal(t, 2, h.rec.lines["/src/a.c"][1])
}

func TestTracerForkChildGetsOwnBreakpoints(t *testing.T) {
	h := newHarness(t, Config{}, appImage())

	checkSpaces := func(*fakeBackend) {
		parent, child := h.tracer.procs[root], h.tracer.procs[101]
		require.NotNil(t, child)
		assert.NotSame(t, parent.space, child.space)
		assert.Equal(t, parent.space.Addresses(), child.space.Addresses())
	}

	// The child's initial stop overtakes the parent's fork event.
	h.backend.push(
		signal(101, sigStop),
		event(root, StopFork, 101),
		scripted{stop: Stop{PID: 101, Kind: StopTrap, Signal: sigTrap}, pc: 0x1000 + trapPCOffset, do: checkSpaces},
		trap(101, 0x1004),
		exited(101, 0),
		exited(root, 0),
	)

	h.run(t)

	assert.Equal(t, []string{
		"cont 101 0",
		"cont 100 0",
		"setpc 101 0x1000",
		"poke 101 0x1000 " + original,
		"step 101",
		"poke 101 0x1000 " + planted,
		"cont 101 0",
	}, h.backend.callsFrom("cont 100 0"))
	assert.Equal(t, breakpointInstr[0], h.backend.byteAt(root, 0x1000))
}

func TestTracerVforkParentWaitsForChild(t *testing.T) {
	h := newHarness(t, Config{}, appImage())

	h.backend.push(
		event(root, StopVfork, 101),
		scripted{
			stop: Stop{PID: 101, Kind: StopSignal, Signal: sigStop},
			do: func(*fakeBackend) {
				parent, child := h.tracer.procs[root], h.tracer.procs[101]
				assert.Equal(t, stateForkPending, parent.state)
				assert.Equal(t, stateAttaching, child.state)
				assert.Same(t, parent.space, child.space)
			},
		},
		exited(101, 0),
		exited(root, 0),
	)

	h.run(t)

	assert.Equal(t, []string{"cont 101 0", "cont 100 0"}, h.backend.callsFrom("cont 100 0"))
}

func TestTracerRedeliversSignals(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.push(
		signal(root, 10),
		trap(root, 0x1000),
		signal(root, 14),
		trap(root, 0x1004),
		trap(root, 0x5000),
		exited(root, 0),
	)

	h.run(t)

	assert.Equal(t, []string{
		"cont 100 10",
		"setpc 100 0x1000",
		"poke 100 0x1000 " + original,
		"step 100",
		"step 100",
		"poke 100 0x1000 " + planted,
		"cont 100 14",
		fmt.Sprintf("cont 100 %d", sigTrap),
	}, h.backend.callsFrom("cont 100 0"))
	assert.Equal(t, 1, h.rec.lines["/src/a.c"][1])
}

func TestTracerReportsRootSignal(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.push(
		event(root, StopClone, 101),
		signal(101, sigStop),
		exited(101, 7),
		killed(root, 9),
	)

	status := h.run(t)

	assert.Equal(t, m.ExitStatus{Signaled: true, Signal: 9}, status)
}

func TestTracerParentResumesWhenChildDiesBeforeStop(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.push(
		event(root, StopFork, 101),
		killed(101, 9),
		exited(root, 0),
	)

	h.run(t)

	assert.Equal(t, []string{"cont 100 0"}, h.backend.callsFrom("cont 100 0"))
}

func TestTracerExitFirstProcessDetachesRemaining(t *testing.T) {
	h := newHarness(t, Config{ExitFirstProcess: true}, appImage())
	h.backend.push(
		event(root, StopFork, 101),
		signal(101, sigStop),
		exited(root, 0),
	)

	status := h.run(t)

	assert.Equal(t, m.ExitStatus{}, status)
	assert.Equal(t, []string{
		"cont 101 0",
		"cont 100 0",
		"interrupt 101",
		"poke 101 0x1000 " + original,
		"poke 101 0x1010 " + original,
		"detach 101 0",
	}, h.backend.callsFrom("cont 100 0"))
	assert.Empty(t, h.tracer.procs)
	assert.Equal(t, byte(0x90), h.backend.byteAt(101, 0x1000))
}

func TestTracerDetachCountsPendingHit(t *testing.T) {
	h := newHarness(t, Config{ExitFirstProcess: true}, appImage())
	h.backend.push(
		event(root, StopFork, 101),
		signal(101, sigStop),
		exited(root, 0),
		// 101 hits a breakpoint before the interrupt arrives.
		trap(101, 0x1010),
	)

	h.run(t)

	assert.Equal(t, []string{
		"interrupt 101",
		"setpc 101 0x1010",
		"poke 101 0x1000 " + original,
		"poke 101 0x1010 " + original,
		"detach 101 0",
		"wake 101",
	}, h.backend.callsFrom("cont 101 0")[1:])
	assert.Equal(t, 1, h.rec.lines["/src/a.c"][2])
}

func TestTracerWaitTimeout(t *testing.T) {
	h := newHarness(t, Config{WaitTimeout: time.Second}, appImage())
	h.backend.idle = true
	h.backend.push(
		event(root, StopFork, 101),
		signal(101, sigStop),
		exited(root, 5),
	)
	start := h.clock.now

	status := h.run(t)

	assert.Equal(t, m.ExitStatus{Code: 5}, status)
	assert.Contains(t, h.backend.calls, "detach 101 0")
	assert.GreaterOrEqual(t, h.clock.now.Sub(start), time.Second)
}

func TestTracerCancelDetaches(t *testing.T) {
	h := newHarness(t, Config{}, appImage())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.tracer.run(ctx, "/bin/app", []string{"/bin/app"}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{
		"interrupt 100",
		"poke 100 0x1000 " + original,
		"poke 100 0x1010 " + original,
		"detach 100 0",
	}, h.backend.callsFrom("cont 100 0"))
}

func TestTracerExecLoadsNewImage(t *testing.T) {
	other := &debuginfo.Image{
		Path:  "/bin/other",
		Type:  elf.ET_EXEC,
		Exec:  []debuginfo.Range{{Start: 0x4000, End: 0x5000}},
		Lines: []debuginfo.LineAddr{{Addr: 0x4000, File: "/src/c.c", Line: 1}},
	}
	h := newHarness(t, Config{}, appImage(), other)

	h.backend.push(
		event(root, StopClone, 101),
		signal(101, sigStop),
		scripted{
			stop: Stop{PID: root, Kind: StopExec, NewPID: root},
			do: func(f *fakeBackend) {
				f.exe[root] = "/bin/other"
			},
		},
		scripted{
			stop: Stop{PID: root, Kind: StopTrap, Signal: sigTrap},
			pc:   0x4000 + trapPCOffset,
			do: func(*fakeBackend) {
				assert.Len(t, h.tracer.procs, 1)
				assert.Equal(t, []uint64{0x4000}, h.tracer.procs[root].space.Addresses())
			},
		},
		trap(root, 0x4004),
		exited(root, 0),
	)

	h.run(t)

	assert.Equal(t, map[int]int{1: 1}, h.rec.lines["/src/c.c"])
}

func TestTracerSkipsUndecodableSites(t *testing.T) {
	h := newHarness(t, Config{}, appImage())
	h.backend.memory(root)[0x1010] = 0x06
	h.backend.push(exited(root, 0))

	h.run(t)

	assert.Equal(t, []string{
		"start 100",
		"poke 100 0x1000 " + planted,
		"cont 100 0",
	}, h.backend.calls)
	assert.Equal(t, map[string]map[int]int{"/src/a.c": {1: 0}}, h.rec.lines)
}

func pieImages() (*debuginfo.Image, *debuginfo.Image, *debuginfo.Image) {
	pie := &debuginfo.Image{
		Path:   "/bin/pie",
		Type:   elf.ET_DYN,
		Interp: "/nonexistent/ld.so",
		Exec:   []debuginfo.Range{{Start: 0, End: 0x1000}},
		Lines:  []debuginfo.LineAddr{{Addr: 0x100, File: "/src/p.c", Line: 1}},
	}
	loader := &debuginfo.Image{
		Path:    "/nonexistent/ld.so",
		Type:    elf.ET_DYN,
		Symbols: map[string]uint64{rendezvousSymbol: 0x50},
	}
	lib := &debuginfo.Image{
		Path:  "/nonexistent/libfoo.so",
		Type:  elf.ET_DYN,
		Exec:  []debuginfo.Range{{Start: 0, End: 0x1000}},
		Lines: []debuginfo.LineAddr{{Addr: 0x20, File: "/src/foo.c", Line: 4}},
	}

	return pie, loader, lib
}

func pieMaps() []debuginfo.Mapping {
	return []debuginfo.Mapping{
		{Start: 0x555000, End: 0x556000, Perms: "r-xp", Path: "/bin/pie"},
		{Start: 0x7f0000, End: 0x7f1000, Perms: "r-xp", Path: "/nonexistent/ld.so"},
	}
}

func TestTracerInstrumentsLibrariesAtRendezvous(t *testing.T) {
	pie, loader, lib := pieImages()
	h := newHarness(t, Config{}, pie, loader, lib)
	h.backend.maps = pieMaps()

	h.backend.push(
		scripted{
			stop: Stop{PID: root, Kind: StopTrap, Signal: sigTrap},
			pc:   0x7f0050 + trapPCOffset,
			do: func(f *fakeBackend) {
				f.maps = append(f.maps, debuginfo.Mapping{Start: 0x7e0000, End: 0x7e1000, Perms: "r-xp", Path: lib.Path})
			},
		},
		trap(root, 0x7f0054),
		exited(root, 0),
	)

	h.run(t)

	assert.Equal(t, []string{
		"start 100",
		"poke 100 0x555100 " + planted,
		"poke 100 0x7f0050 " + planted,
		"cont 100 0",
		"poke 100 0x7e0020 " + planted,
		"setpc 100 0x7f0050",
		"poke 100 0x7f0050 " + original,
		"step 100",
		"poke 100 0x7f0050 " + planted,
		"cont 100 0",
	}, h.backend.calls)
	assert.Equal(t, map[string]map[int]int{
		"/src/p.c":   {1: 0},
		"/src/foo.c": {4: 0},
	}, h.rec.lines)
}

func TestTracerSkipSolibs(t *testing.T) {
	pie, loader, lib := pieImages()
	h := newHarness(t, Config{SkipSolibs: true}, pie, loader, lib)
	h.backend.maps = pieMaps()
	h.backend.push(exited(root, 0))

	h.run(t)

	assert.Equal(t, []string{
		"start 100",
		"poke 100 0x555100 " + planted,
		"cont 100 0",
	}, h.backend.calls)
}
