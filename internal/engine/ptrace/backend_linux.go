//go:build linux

package ptrace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"kcov.dev/pkg/kcov/internal/debuginfo"
)

const traceOptions = unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_EXITKILL

// linuxBackend drives ptrace(2). Every call must come from the OS thread
// that started the target.
type linuxBackend struct {
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func newPlatformBackend() (Backend, error) {
	return &linuxBackend{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}, nil
}

func (b *linuxBackend) Start(path string, argv, env []string) (int, error) {
	cmd := &exec.Cmd{
		Path:        path,
		Args:        argv,
		Env:         env,
		Stdin:       b.stdin,
		Stdout:      b.stdout,
		Stderr:      b.stderr,
		SysProcAttr: &syscall.SysProcAttr{Ptrace: true},
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, unix.WALL, nil); err != nil {
		return 0, fmt.Errorf("wait for exec stop: %w", err)
	}

	if !status.Stopped() {
		return 0, fmt.Errorf("process %d did not stop after exec (status %#x)", pid, uint32(status))
	}

	if err := unix.PtraceSetOptions(pid, traceOptions); err != nil {
		return 0, fmt.Errorf("set ptrace options: %w", err)
	}

	return pid, nil
}

func (b *linuxBackend) Wait(block bool) (Stop, bool, error) {
	options := unix.WALL
	if !block {
		options |= unix.WNOHANG
	}

	var status unix.WaitStatus

	pid, err := unix.Wait4(-1, &status, options, nil)

	switch {
	case errors.Is(err, unix.EINTR):
		return Stop{}, false, nil
	case errors.Is(err, unix.ECHILD):
		return Stop{}, false, ErrNoTracees
	case err != nil:
		return Stop{}, false, err
	case pid <= 0:
		return Stop{}, false, nil
	}

	switch {
	case status.Exited():
		return Stop{PID: pid, Kind: StopExited, Code: status.ExitStatus()}, true, nil
	case status.Signaled():
		return Stop{PID: pid, Kind: StopKilled, Signal: int(status.Signal())}, true, nil
	case status.Stopped():
		return b.classify(pid, status), true, nil
	default:
		return Stop{}, false, nil
	}
}

func (b *linuxBackend) classify(pid int, status unix.WaitStatus) Stop {
	sig := status.StopSignal()

	if sig == unix.SIGTRAP {
		switch status.TrapCause() {
		case unix.PTRACE_EVENT_FORK:
			return b.event(pid, StopFork)
		case unix.PTRACE_EVENT_VFORK:
			return b.event(pid, StopVfork)
		case unix.PTRACE_EVENT_CLONE:
			return b.event(pid, StopClone)
		case unix.PTRACE_EVENT_EXEC:
			return b.event(pid, StopExec)
		case 0, -1:
			return Stop{PID: pid, Kind: StopTrap, Signal: int(sig)}
		default:
			// Events we did not ask for are resumed without a signal.
			return Stop{PID: pid, Kind: StopSignal}
		}
	}

	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		if groupStop(pid) {
			return Stop{PID: pid, Kind: StopGroup, Signal: int(sig)}
		}
	default:
	}

	return Stop{PID: pid, Kind: StopSignal, Signal: int(sig)}
}

func (b *linuxBackend) event(pid int, kind StopKind) Stop {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return Stop{PID: pid, Kind: kind}
	}

	return Stop{PID: pid, Kind: kind, NewPID: int(msg)}
}

// groupStop tells a group-stop from a signal-delivery-stop: only the
// latter has siginfo.
func groupStop(pid int) bool {
	var info [128]byte

	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(pid), 0,
		uintptr(unsafe.Pointer(&info[0])), 0, 0)

	return errno == unix.EINVAL
}

func (b *linuxBackend) Continue(pid, sig int) error {
	return unix.PtraceCont(pid, sig)
}

func (b *linuxBackend) SingleStep(pid int) error {
	return unix.PtraceSingleStep(pid)
}

func (b *linuxBackend) Interrupt(tgid, tid int) error {
	return unix.Tgkill(tgid, tid, unix.SIGSTOP)
}

func (b *linuxBackend) Wake(tgid, tid int) error {
	return unix.Tgkill(tgid, tid, unix.SIGCONT)
}

func (b *linuxBackend) Detach(pid, sig int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

func (b *linuxBackend) Peek(pid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(pid, uintptr(addr), buf)
	if err != nil {
		return err
	}

	if n < len(buf) {
		return io.ErrUnexpectedEOF
	}

	return nil
}

func (b *linuxBackend) Poke(pid int, addr uint64, data []byte) error {
	n, err := unix.PtracePokeData(pid, uintptr(addr), data)
	if err != nil {
		return err
	}

	if n < len(data) {
		return io.ErrShortWrite
	}

	return nil
}

func (b *linuxBackend) Maps(pid int) ([]debuginfo.Mapping, error) {
	file, err := os.Open("/proc/" + strconv.Itoa(pid) + "/maps")
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	return debuginfo.ParseMaps(file)
}

func (b *linuxBackend) Exe(pid int) (string, error) {
	return os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
}
