//go:build unix && !linux

package cmd

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func raise(sig int) {
	signal.Reset(unix.Signal(sig))
	_ = unix.Kill(os.Getpid(), unix.Signal(sig))
}
