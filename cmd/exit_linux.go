package cmd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelSigaction mirrors struct sigaction of rt_sigaction(2); all zero is
// SIG_DFL.
type kernelSigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// raise restores the default disposition of sig and sends it to the calling
// thread. The runtime would otherwise swallow user-sent synchronous signals
// such as SIGSEGV.
func raise(sig int) {
	var action kernelSigaction

	_, _, _ = unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&action)), 0,
		unsafe.Sizeof(action.mask), 0, 0)

	set := unix.Sigset_t{}
	set.Val[(sig-1)/64] |= 1 << ((uint(sig) - 1) % 64)
	_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)

	_ = unix.Tgkill(unix.Getpid(), unix.Gettid(), unix.Signal(sig))
}
