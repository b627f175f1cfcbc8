package ptrace

import "golang.org/x/sys/unix"

func (b *linuxBackend) PC(pid int) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return 0, err
	}

	return regs.Rip, nil
}

func (b *linuxBackend) SetPC(pid int, pc uint64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return err
	}

	regs.Rip = pc

	return unix.PtraceSetRegs(pid, &regs)
}
