package ptrace

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"kcov.dev/pkg/kcov/internal/debuginfo"
	"kcov.dev/pkg/kcov/internal/engine"
	m "kcov.dev/pkg/kcov/internal/model"
)

const (
	// rendezvousSymbol is called by the dynamic loader whenever its list
	// of loaded objects changes.
	rendezvousSymbol = "_dl_debug_state"

	minIdle       = 50 * time.Microsecond
	maxIdle       = 10 * time.Millisecond
	detachTimeout = 2 * time.Second
)

var (
	sigStop = int(unix.SIGSTOP)
	sigTrap = int(unix.SIGTRAP)

	unsupportedSiteLogLimiter = rate.NewLimiter(rate.Every(time.Minute), 10)
)

type procState int

const (
	stateAttaching procState = iota
	stateRunning
	stateStoppedAtBreakpoint
	stateStepping
	stateForkPending
	stateDetaching
	stateExited
	stateSignaled
)

func (s procState) String() string {
	switch s {
	case stateAttaching:
		return "attaching"
	case stateRunning:
		return "running"
	case stateStoppedAtBreakpoint:
		return "stopped-at-breakpoint"
	case stateStepping:
		return "stepping"
	case stateForkPending:
		return "fork-pending"
	case stateDetaching:
		return "detaching"
	case stateExited:
		return "exited"
	case stateSignaled:
		return "signaled"
	default:
		return "unknown"
	}
}

// process is one traced thread.
type process struct {
	pid    int
	tgid   int
	parent int
	state  procState
	space  *AddressSpace

	// pending is the signal delivered on the next resume.
	pending  int
	stepAddr uint64
	// waitChild is the child a fork-pending parent waits for.
	waitChild int

	// detach phase bookkeeping
	stopped     bool
	interrupted bool
}

// tracer drives the per-process state machine from Backend stops.
type tracer struct {
	backend  Backend
	resolver debuginfo.Resolver
	filter   engine.FileFilter
	listener engine.Listener
	cfg      Config

	validate func([]byte) bool
	now      func() time.Time
	sleep    func(time.Duration)
	pageSize uint64

	procs map[int]*process
	// early holds new children whose initial stop arrived before the
	// parent's fork event.
	early map[int]bool

	root       int
	rootExited bool
	rootExitAt time.Time
	rootStatus m.ExitStatus
}

func newTracer(
	backend Backend,
	resolver debuginfo.Resolver,
	filter engine.FileFilter,
	listener engine.Listener,
	cfg Config,
	pageSize uint64,
) *tracer {
	return &tracer{
		backend:  backend,
		resolver: resolver,
		filter:   filter,
		listener: listener,
		cfg:      cfg,
		validate: decodable,
		now:      time.Now,
		sleep:    time.Sleep,
		pageSize: pageSize,
		procs:    make(map[int]*process),
		early:    make(map[int]bool),
	}
}

// run starts the target and traces it and its descendants until they are
// gone or the wait policy gives up on them.
func (t *tracer) run(ctx context.Context, path string, argv, env []string) (m.ExitStatus, error) {
	pid, err := t.backend.Start(path, argv, env)
	if err != nil {
		return m.ExitStatus{}, fmt.Errorf("start %s: %w", path, err)
	}

	root := &process{pid: pid, tgid: pid, state: stateRunning, space: NewAddressSpace()}
	t.root = pid
	t.procs[pid] = root

	t.loadExecutable(root)

	if err := t.resume(root); err != nil {
		return m.ExitStatus{}, fmt.Errorf("resume %d: %w", pid, err)
	}

	idle := minIdle

	for len(t.procs) > 0 {
		if reason := t.giveUpReason(ctx); reason != "" {
			slog.Info("detaching from remaining processes", "reason", reason, "processes", len(t.procs))
			t.detachAll()

			break
		}

		stop, ok, err := t.backend.Wait(false)
		if errors.Is(err, ErrNoTracees) {
			break
		}

		if err != nil {
			return t.rootStatus, fmt.Errorf("wait: %w", err)
		}

		if !ok {
			t.sleep(idle)
			idle = min(idle*2, maxIdle)

			continue
		}

		idle = minIdle

		if err := t.handle(stop); err != nil {
			// The process is usually gone and its exit is still queued.
			slog.Debug("tracing failure", "pid", stop.PID, "stop", stop.Kind, "error", err)
		}
	}

	return t.rootStatus, ctx.Err()
}

func (t *tracer) giveUpReason(ctx context.Context) string {
	switch {
	case ctx.Err() != nil:
		return "cancelled"
	case !t.rootExited:
		return ""
	case t.cfg.ExitFirstProcess:
		return "first process exited"
	case t.cfg.WaitTimeout > 0 && t.now().Sub(t.rootExitAt) >= t.cfg.WaitTimeout:
		return "wait timeout"
	default:
		return ""
	}
}

func (t *tracer) handle(stop Stop) error {
	if stop.Kind == StopExited || stop.Kind == StopKilled {
		t.exited(stop)
		return nil
	}

	proc, ok := t.procs[stop.PID]
	if !ok {
		if isInitialStop(stop) {
			t.early[stop.PID] = true
			return nil
		}

		return t.backend.Continue(stop.PID, deliverable(stop))
	}

	if proc.state == stateAttaching && isInitialStop(stop) {
		return t.attached(proc)
	}

	switch stop.Kind {
	case StopFork, StopVfork, StopClone:
		return t.forked(proc, stop)
	case StopExec:
		return t.execed(proc, stop)
	case StopTrap:
		return t.trapped(proc)
	case StopGroup:
		return t.backend.Continue(proc.pid, 0)
	default:
		return t.signaled(proc, stop.Signal)
	}
}

func isInitialStop(stop Stop) bool {
	return (stop.Kind == StopSignal && stop.Signal == sigStop) || stop.Kind == StopGroup
}

func deliverable(stop Stop) int {
	if stop.Kind == StopSignal {
		return stop.Signal
	}

	return 0
}

func (t *tracer) resume(proc *process) error {
	sig := proc.pending
	proc.pending = 0

	return t.backend.Continue(proc.pid, sig)
}

func (t *tracer) forked(parent *process, stop Stop) error {
	child := &process{pid: stop.NewPID, tgid: stop.NewPID, parent: parent.pid, state: stateAttaching}

	switch stop.Kind {
	case StopFork:
		child.space = parent.space.Fork()
	case StopVfork:
		// The child borrows our memory until it execs or exits.
		child.space = parent.space
	default:
		child.space = parent.space
		child.tgid = parent.tgid
	}

	t.procs[child.pid] = child
	parent.state = stateForkPending
	parent.waitChild = child.pid

	slog.Debug("new traced process", "pid", child.pid, "parent", parent.pid, "kind", stop.Kind)

	if t.early[child.pid] {
		delete(t.early, child.pid)
		return t.attached(child)
	}

	return nil
}

// attached resumes a child after its initial stop, then its parent.
func (t *tracer) attached(child *process) error {
	child.state = stateRunning
	err := t.resume(child)

	if parent, ok := t.procs[child.parent]; ok && parent.state == stateForkPending && parent.waitChild == child.pid {
		parent.state = stateRunning
		parent.waitChild = 0
		err = errors.Join(err, t.resume(parent))
	}

	return err
}

func (t *tracer) execed(proc *process, stop Stop) error {
	// All other threads of the group are gone.
	for pid, other := range t.procs {
		if pid != proc.pid && (other.tgid == proc.tgid || pid == stop.NewPID) {
			delete(t.procs, pid)
		}
	}

	proc.space = NewAddressSpace()
	proc.state = stateRunning
	proc.stepAddr = 0

	t.loadExecutable(proc)

	return t.resume(proc)
}

func (t *tracer) trapped(proc *process) error {
	if proc.state == stateStepping {
		return t.stepped(proc)
	}

	pc, err := t.backend.PC(proc.pid)
	if err != nil {
		return err
	}

	addr := pc - trapPCOffset

	bp, ok := proc.space.Lookup(addr)
	if !ok {
		return t.signaled(proc, sigTrap)
	}

	proc.state = stateStoppedAtBreakpoint

	if bp.rendezvous {
		t.loadLibraries(proc)
	}

	for _, site := range bp.sites {
		t.listener.OnHit(site.File, site.Line)
	}

	return t.stepOver(proc, addr, bp)
}

// stepOver executes the original instruction at addr with the trap removed.
func (t *tracer) stepOver(proc *process, addr uint64, bp *breakpoint) error {
	if err := t.backend.SetPC(proc.pid, addr); err != nil {
		return err
	}

	if err := t.backend.Poke(proc.pid, addr, bp.orig); err != nil {
		return err
	}

	bp.stepping++
	proc.state = stateStepping
	proc.stepAddr = addr

	return t.backend.SingleStep(proc.pid)
}

// stepped re-plants the trap once no thread is executing the original
// instruction any more.
func (t *tracer) stepped(proc *process) error {
	if err := t.finishStep(proc, proc.pid); err != nil {
		return err
	}

	proc.state = stateRunning

	return t.resume(proc)
}

func (t *tracer) finishStep(proc *process, via int) error {
	addr := proc.stepAddr
	proc.stepAddr = 0

	bp, ok := proc.space.Lookup(addr)
	if !ok {
		return nil
	}

	bp.stepping--
	if bp.stepping > 0 {
		return nil
	}

	bp.stepping = 0

	return t.backend.Poke(via, addr, breakpointInstr)
}

func (t *tracer) signaled(proc *process, sig int) error {
	proc.pending = sig

	if proc.state == stateStepping {
		// The step has not completed; the signal goes out with the next
		// resume.
		return t.backend.SingleStep(proc.pid)
	}

	proc.state = stateRunning

	return t.resume(proc)
}

func (t *tracer) exited(stop Stop) {
	proc, ok := t.procs[stop.PID]

	delete(t.procs, stop.PID)
	delete(t.early, stop.PID)

	if stop.PID == t.root {
		t.rootExited = true
		t.rootExitAt = t.now()

		if stop.Kind == StopKilled {
			t.rootStatus = m.ExitStatus{Signaled: true, Signal: stop.Signal}
		} else {
			t.rootStatus = m.ExitStatus{Code: stop.Code}
		}
	}

	if !ok {
		return
	}

	if stop.Kind == StopKilled {
		proc.state = stateSignaled
	} else {
		proc.state = stateExited
	}

	slog.Debug("traced process ended", "pid", proc.pid, "state", proc.state, "code", stop.Code, "signal", stop.Signal)

	// Another thread may still share the trap this one was stepping over.
	if proc.stepAddr != 0 {
		if peer := t.peer(proc.space); peer != nil {
			if err := t.finishStep(proc, peer.pid); err != nil {
				slog.Debug("re-planting after exit", "pid", proc.pid, "error", err)
			}
		}
	}

	parent, ok := t.procs[proc.parent]
	if ok && parent.state == stateForkPending && parent.waitChild == proc.pid {
		parent.state = stateRunning
		parent.waitChild = 0

		if err := t.resume(parent); err != nil {
			slog.Debug("resuming parent", "pid", parent.pid, "error", err)
		}
	}
}

// peer returns a live process using space.
func (t *tracer) peer(space *AddressSpace) *process {
	for _, proc := range t.procs {
		if proc.space == space {
			return proc
		}
	}

	return nil
}

func (t *tracer) loadExecutable(proc *process) {
	exe, err := t.backend.Exe(proc.pid)
	if err != nil {
		slog.Warn("cannot read executable path", "pid", proc.pid, "error", err)
		return
	}

	img, err := t.resolver.Resolve(exe)
	if err != nil {
		slog.Warn("cannot resolve executable", "path", exe, "error", err)
		return
	}

	mappings, err := t.backend.Maps(proc.pid)
	if err != nil {
		slog.Warn("cannot read memory map", "pid", proc.pid, "error", err)
		return
	}

	t.loadImage(proc, img, mappings)

	if !t.cfg.SkipSolibs && img.Interp != "" {
		t.watchLoader(proc, img.Interp, mappings)
	}
}

// watchLoader plants the internal breakpoint on the loader's rendezvous
// function so that newly loaded libraries get instrumented.
func (t *tracer) watchLoader(proc *process, interp string, mappings []debuginfo.Mapping) {
	if resolved, err := filepath.EvalSymlinks(interp); err == nil {
		interp = resolved
	}

	proc.space.markImage(interp)

	loader, err := t.resolver.Resolve(interp)
	if err != nil {
		slog.Warn("cannot resolve dynamic loader, shared libraries are not traced", "path", interp, "error", err)
		return
	}

	sym, ok := loader.Symbols[rendezvousSymbol]
	if !ok {
		slog.Warn("dynamic loader has no rendezvous symbol", "path", interp)
		return
	}

	base, ok := debuginfo.BaseMapping(mappings, interp)
	if !ok {
		slog.Warn("dynamic loader is not mapped", "path", interp)
		return
	}

	bias := debuginfo.LoadBias(loader.Type, loader.FirstLoad, base.Start, t.pageSize)
	t.plant(proc, sym+bias, nil)
}

// loadLibraries instruments executable mappings that appeared since the
// last rendezvous.
func (t *tracer) loadLibraries(proc *process) {
	mappings, err := t.backend.Maps(proc.pid)
	if err != nil {
		slog.Debug("cannot read memory map", "pid", proc.pid, "error", err)
		return
	}

	for _, mapping := range mappings {
		if !mapping.Executable() || proc.space.images[mapping.Path] {
			continue
		}

		img, err := t.resolver.Resolve(mapping.Path)
		if err != nil {
			proc.space.markImage(mapping.Path)
			slog.Debug("cannot resolve library", "path", mapping.Path, "error", err)

			continue
		}

		t.loadImage(proc, img, mappings)
	}
}

func (t *tracer) loadImage(proc *process, img *debuginfo.Image, mappings []debuginfo.Mapping) {
	if !proc.space.markImage(img.Path) {
		return
	}

	var bias uint64

	if img.Type == elf.ET_DYN {
		base, ok := debuginfo.BaseMapping(mappings, img.Path)
		if !ok {
			slog.Debug("image is not mapped", "path", img.Path)
			return
		}

		bias = debuginfo.LoadBias(img.Type, img.FirstLoad, base.Start, t.pageSize)
	}

	planted := 0

	for _, entry := range img.Lines {
		if !img.Executable(entry.Addr) || !t.filter.Accept(entry.File) {
			continue
		}

		site := Site{File: entry.File, Line: entry.Line}
		if t.plant(proc, entry.Addr+bias, &site) {
			t.listener.OnLine(entry.File, entry.Line)
			planted++
		}
	}

	slog.Debug("image instrumented", "path", img.Path, "breakpoints", planted, "bias", fmt.Sprintf("%#x", bias))
}

// plant writes a trap at addr. A nil site marks the loader rendezvous.
func (t *tracer) plant(proc *process, addr uint64, site *Site) bool {
	if bp, ok := proc.space.Lookup(addr); ok {
		proc.space.add(addr, bp.orig, site)
		return true
	}

	code := make([]byte, max(maxInstrLen, len(breakpointInstr)))
	if err := t.backend.Peek(proc.pid, addr, code); err != nil {
		t.logSkippedSite(addr, site, err)
		return false
	}

	if !t.validate(code) {
		t.logSkippedSite(addr, site, errors.New("unsupported instruction encoding"))
		return false
	}

	if err := t.backend.Poke(proc.pid, addr, breakpointInstr); err != nil {
		t.logSkippedSite(addr, site, err)
		return false
	}

	proc.space.add(addr, code[:len(breakpointInstr)], site)

	return true
}

func (t *tracer) logSkippedSite(addr uint64, site *Site, err error) {
	if !unsupportedSiteLogLimiter.Allow() {
		return
	}

	attrs := []any{"addr", fmt.Sprintf("%#x", addr), "error", err}
	if site != nil {
		attrs = append(attrs, "file", site.File, "line", site.Line)
	}

	slog.Warn("skipping breakpoint site", attrs...)
}
