//go:build unix

package bash

import (
	"golang.org/x/sys/unix"
)

// defaultXtraceFD is high enough that scripts do not collide with it.
const defaultXtraceFD = 782

// xtraceFD picks the descriptor number bash writes its trace to.
func xtraceFD() int {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return defaultXtraceFD
	}

	if quarter := limit.Max / 4; quarter > 10 && quarter < defaultXtraceFD {
		return int(quarter)
	}

	return defaultXtraceFD
}
