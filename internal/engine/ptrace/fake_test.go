package ptrace

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"kcov.dev/pkg/kcov/internal/debuginfo"
)

// scripted is one stop the fake backend reports, with optional setup run
// just before it is reported.
type scripted struct {
	stop Stop
	pc   uint64
	do   func(*fakeBackend)
}

// fakeBackend replays a script of stops and records every control call.
// Forked children get a copy of the parent memory, clones and vforks share it.
type fakeBackend struct {
	rootPID int
	script  []scripted
	// idle makes an empty script report "nothing pending" instead of
	// ErrNoTracees.
	idle bool

	fill byte
	mem  map[int]map[uint64]byte
	pc   map[int]uint64
	exe  map[int]string
	maps []debuginfo.Mapping

	calls []string
}

func newFakeBackend(rootPID int, exe string) *fakeBackend {
	return &fakeBackend{
		rootPID: rootPID,
		fill:    0x90,
		mem:     map[int]map[uint64]byte{rootPID: {}},
		pc:      make(map[int]uint64),
		exe:     map[int]string{rootPID: exe},
	}
}

func (f *fakeBackend) push(events ...scripted) {
	f.script = append(f.script, events...)
}

func (f *fakeBackend) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeBackend) memory(pid int) map[uint64]byte {
	if f.mem[pid] == nil {
		f.mem[pid] = make(map[uint64]byte)
	}

	return f.mem[pid]
}

func (f *fakeBackend) byteAt(pid int, addr uint64) byte {
	if b, ok := f.memory(pid)[addr]; ok {
		return b
	}

	return f.fill
}

func (f *fakeBackend) Start(string, []string, []string) (int, error) {
	f.record("start %d", f.rootPID)
	return f.rootPID, nil
}

func (f *fakeBackend) Wait(bool) (Stop, bool, error) {
	if len(f.script) == 0 {
		if f.idle {
			return Stop{}, false, nil
		}

		return Stop{}, false, ErrNoTracees
	}

	next := f.script[0]
	f.script = f.script[1:]

	if next.do != nil {
		next.do(f)
	}

	if next.pc != 0 {
		f.pc[next.stop.PID] = next.pc
	}

	switch next.stop.Kind {
	case StopFork:
		f.mem[next.stop.NewPID] = maps.Clone(f.memory(next.stop.PID))
		f.exe[next.stop.NewPID] = f.exe[next.stop.PID]
	case StopClone, StopVfork:
		f.mem[next.stop.NewPID] = f.memory(next.stop.PID)
		f.exe[next.stop.NewPID] = f.exe[next.stop.PID]
	default:
	}

	return next.stop, true, nil
}

func (f *fakeBackend) Continue(pid, sig int) error {
	f.record("cont %d %d", pid, sig)
	return nil
}

func (f *fakeBackend) SingleStep(pid int) error {
	f.record("step %d", pid)
	return nil
}

func (f *fakeBackend) Interrupt(tgid, tid int) error {
	f.record("interrupt %d", tid)
	f.script = append(f.script, scripted{stop: Stop{PID: tid, Kind: StopSignal, Signal: sigStop}})

	return nil
}

func (f *fakeBackend) Wake(tgid, tid int) error {
	f.record("wake %d", tid)
	return nil
}

func (f *fakeBackend) Detach(pid, sig int) error {
	f.record("detach %d %d", pid, sig)
	return nil
}

func (f *fakeBackend) PC(pid int) (uint64, error) {
	return f.pc[pid], nil
}

func (f *fakeBackend) SetPC(pid int, pc uint64) error {
	f.record("setpc %d %#x", pid, pc)
	f.pc[pid] = pc

	return nil
}

func (f *fakeBackend) Peek(pid int, addr uint64, buf []byte) error {
	for i := range buf {
		buf[i] = f.byteAt(pid, addr+uint64(i))
	}

	return nil
}

func (f *fakeBackend) Poke(pid int, addr uint64, data []byte) error {
	f.record("poke %d %#x %x", pid, addr, data)

	mem := f.memory(pid)
	for i, b := range data {
		mem[addr+uint64(i)] = b
	}

	return nil
}

func (f *fakeBackend) Maps(int) ([]debuginfo.Mapping, error) {
	return f.maps, nil
}

func (f *fakeBackend) Exe(pid int) (string, error) {
	exe, ok := f.exe[pid]
	if !ok {
		return "", errors.New("no such process")
	}

	return exe, nil
}

// callsFrom returns the calls after the first one starting with prefix.
func (f *fakeBackend) callsFrom(prefix string) []string {
	for i, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			return f.calls[i+1:]
		}
	}

	return nil
}

type fakeResolver map[string]*debuginfo.Image

func (r fakeResolver) Resolve(path string) (*debuginfo.Image, error) {
	img, ok := r[path]
	if !ok {
		return nil, fmt.Errorf("no image for %s", path)
	}

	return img, nil
}

type recorder struct {
	mu    sync.Mutex
	lines map[string]map[int]int
}

func newRecorder() *recorder {
	return &recorder{lines: make(map[string]map[int]int)}
}

func (r *recorder) file(path string) map[int]int {
	if r.lines[path] == nil {
		r.lines[path] = make(map[int]int)
	}

	return r.lines[path]
}

func (r *recorder) OnLine(file string, line int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := r.file(file)
	if _, ok := lines[line]; !ok {
		lines[line] = 0
	}
}

func (r *recorder) OnHit(file string, line int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.file(file)[line]++
}

// fakeClock advances only when the tracer sleeps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
}
