//go:build !amd64 && !arm64

package ptrace

import (
	"debug/elf"
)

const (
	archSupported = false
	elfMachine    = elf.EM_NONE
	trapPCOffset  = 0
	maxInstrLen   = 0
)

var breakpointInstr []byte

func decodable([]byte) bool {
	return false
}
