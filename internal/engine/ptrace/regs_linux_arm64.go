package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ntPRStatus selects the general purpose register set.
const ntPRStatus = 1

func regset(request, pid int, regs *unix.PtraceRegs) error {
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(regs))}
	iov.SetLen(int(unsafe.Sizeof(*regs)))

	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(pid), ntPRStatus,
		uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

func (b *linuxBackend) PC(pid int) (uint64, error) {
	var regs unix.PtraceRegs
	if err := regset(unix.PTRACE_GETREGSET, pid, &regs); err != nil {
		return 0, err
	}

	return regs.Pc, nil
}

func (b *linuxBackend) SetPC(pid int, pc uint64) error {
	var regs unix.PtraceRegs
	if err := regset(unix.PTRACE_GETREGSET, pid, &regs); err != nil {
		return err
	}

	regs.Pc = pc

	return regset(unix.PTRACE_SETREGSET, pid, &regs)
}
