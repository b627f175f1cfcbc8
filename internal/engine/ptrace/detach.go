package ptrace

import (
	"errors"
	"log/slog"
)

// detachAll stops every remaining process, removes the breakpoints from
// their memory and lets them run on untraced.
func (t *tracer) detachAll() {
	for _, proc := range t.procs {
		proc.stopped = proc.state == stateForkPending
		if proc.stopped || proc.state == stateAttaching || proc.state == stateStepping {
			continue
		}

		if err := t.backend.Interrupt(proc.tgid, proc.pid); err != nil {
			slog.Debug("interrupting traced process", "pid", proc.pid, "error", err)
			continue
		}

		proc.interrupted = true
	}

	for pid := range t.early {
		if err := t.backend.Detach(pid, 0); err != nil {
			slog.Debug("detaching new child", "pid", pid, "error", err)
		}
	}

	clear(t.early)

	deadline := t.now().Add(detachTimeout)
	idle := minIdle

	for t.running() > 0 && t.now().Before(deadline) {
		stop, ok, err := t.backend.Wait(false)
		if errors.Is(err, ErrNoTracees) {
			break
		}

		if err != nil {
			slog.Debug("waiting for traced processes to stop", "error", err)
			break
		}

		if !ok {
			t.sleep(idle)
			idle = min(idle*2, maxIdle)

			continue
		}

		idle = minIdle

		t.quiesce(stop)
	}

	t.removeBreakpoints()

	for _, proc := range t.procs {
		if !proc.stopped {
			slog.Warn("traced process did not stop, leaving it traced", "pid", proc.pid, "state", proc.state)
			continue
		}

		proc.state = stateDetaching

		if err := t.backend.Detach(proc.pid, proc.pending); err != nil {
			slog.Debug("detaching", "pid", proc.pid, "error", err)
			continue
		}

		// A stop we asked for but never consumed would freeze it.
		if proc.interrupted {
			if err := t.backend.Wake(proc.tgid, proc.pid); err != nil {
				slog.Debug("waking detached process", "pid", proc.pid, "error", err)
			}
		}
	}

	clear(t.procs)
}

func (t *tracer) running() int {
	n := 0

	for _, proc := range t.procs {
		if !proc.stopped {
			n++
		}
	}

	return n
}

// quiesce books a stop seen while shutting down without resuming.
func (t *tracer) quiesce(stop Stop) {
	if stop.Kind == StopExited || stop.Kind == StopKilled {
		t.exited(stop)
		return
	}

	proc, ok := t.procs[stop.PID]
	if !ok {
		if err := t.backend.Detach(stop.PID, 0); err != nil {
			slog.Debug("detaching unknown process", "pid", stop.PID, "error", err)
		}

		return
	}

	proc.stopped = true

	switch stop.Kind {
	case StopTrap:
		t.quiesceTrap(proc)
	case StopSignal:
		if stop.Signal == sigStop && (proc.interrupted || proc.state == stateAttaching) {
			proc.interrupted = false
		} else {
			proc.pending = stop.Signal
		}
	case StopFork, StopVfork, StopClone:
		child := &process{pid: stop.NewPID, tgid: stop.NewPID, parent: proc.pid, state: stateAttaching, space: proc.space}
		if stop.Kind == StopFork {
			child.space = proc.space.Fork()
		}

		if stop.Kind == StopClone {
			child.tgid = proc.tgid
		}

		t.procs[child.pid] = child
	case StopExec:
		proc.space = NewAddressSpace()
	default:
	}
}

func (t *tracer) quiesceTrap(proc *process) {
	if proc.state == stateStepping {
		proc.stepAddr = 0
		proc.state = stateRunning

		return
	}

	pc, err := t.backend.PC(proc.pid)
	if err != nil {
		return
	}

	addr := pc - trapPCOffset

	bp, ok := proc.space.Lookup(addr)
	if !ok {
		proc.pending = sigTrap
		return
	}

	for _, site := range bp.sites {
		t.listener.OnHit(site.File, site.Line)
	}

	// The original instruction runs once the trap is gone.
	if err := t.backend.SetPC(proc.pid, addr); err != nil {
		slog.Debug("rewinding after breakpoint", "pid", proc.pid, "error", err)
	}
}

// removeBreakpoints restores the original bytes in every address space that
// has a stopped process to write through.
func (t *tracer) removeBreakpoints() {
	done := make(map[*AddressSpace]bool)

	for _, proc := range t.procs {
		if !proc.stopped || done[proc.space] {
			continue
		}

		done[proc.space] = true

		for _, addr := range proc.space.Addresses() {
			bp, _ := proc.space.Lookup(addr)
			if err := t.backend.Poke(proc.pid, addr, bp.orig); err != nil {
				slog.Debug("removing breakpoint", "pid", proc.pid, "addr", addr, "error", err)
			}
		}

		proc.space.clear()
	}
}
