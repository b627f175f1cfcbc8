package ptrace

import (
	"errors"

	"kcov.dev/pkg/kcov/internal/debuginfo"
)

// ErrNoTracees is returned by Backend.Wait when nothing is left to wait for.
var ErrNoTracees = errors.New("no traced processes left")

// StopKind classifies what a Backend observed.
type StopKind int

const (
	// StopTrap is a SIGTRAP that is not a ptrace event: a breakpoint, a
	// completed single step or a SIGTRAP sent by the program.
	StopTrap StopKind = iota
	// StopSignal is a signal about to be delivered.
	StopSignal
	// StopGroup is a group-stop, the process is stopped by a stop signal
	// that has already been delivered.
	StopGroup
	// StopFork, StopVfork and StopClone report a new child in NewPID.
	StopFork
	StopVfork
	StopClone
	// StopExec reports a successful exec. NewPID holds the former thread id.
	StopExec
	// StopExited and StopKilled are terminal.
	StopExited
	StopKilled
)

func (k StopKind) String() string {
	switch k {
	case StopTrap:
		return "trap"
	case StopSignal:
		return "signal"
	case StopGroup:
		return "group-stop"
	case StopFork:
		return "fork"
	case StopVfork:
		return "vfork"
	case StopClone:
		return "clone"
	case StopExec:
		return "exec"
	case StopExited:
		return "exited"
	case StopKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Stop is one event reported by Wait.
type Stop struct {
	PID    int
	Kind   StopKind
	Signal int
	Code   int
	NewPID int
}

// Backend is the process control surface the tracer drives. The Linux
// implementation uses ptrace; tests use a scripted fake.
type Backend interface {
	// Start launches argv[0] at path traced and stopped at its first
	// instruction, returning its pid.
	Start(path string, argv, env []string) (int, error)
	// Wait returns the next event. With block false it returns ok false
	// when no event is pending.
	Wait(block bool) (stop Stop, ok bool, err error)
	Continue(pid, sig int) error
	SingleStep(pid int) error
	// Interrupt asks the thread tid of process tgid to stop.
	Interrupt(tgid, tid int) error
	// Wake discards a stop requested by Interrupt that was never reported.
	Wake(tgid, tid int) error
	Detach(pid, sig int) error
	PC(pid int) (uint64, error)
	SetPC(pid int, pc uint64) error
	Peek(pid int, addr uint64, buf []byte) error
	Poke(pid int, addr uint64, data []byte) error
	Maps(pid int) ([]debuginfo.Mapping, error)
	Exe(pid int) (string, error)
}
