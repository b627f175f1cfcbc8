package ptrace

import (
	"debug/elf"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	archSupported = true
	elfMachine    = elf.EM_AARCH64
	trapPCOffset  = 0
	maxInstrLen   = 4
)

// breakpointInstr is brk #0 in little-endian order.
var breakpointInstr = []byte{0x00, 0x00, 0x20, 0xd4}

func decodable(code []byte) bool {
	if len(code) < 4 {
		return false
	}

	_, err := arm64asm.Decode(code[:4])

	return err == nil
}
