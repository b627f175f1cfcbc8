//go:build linux && !amd64 && !arm64

package ptrace

import "errors"

var errUnsupportedArch = errors.New("breakpoint tracing is not supported on this architecture")

func (b *linuxBackend) PC(int) (uint64, error) {
	return 0, errUnsupportedArch
}

func (b *linuxBackend) SetPC(int, uint64) error {
	return errUnsupportedArch
}
