package ptrace

import (
	"debug/elf"

	"golang.org/x/arch/x86/x86asm"
)

const (
	archSupported = true
	elfMachine    = elf.EM_X86_64
	// trapPCOffset is how far the PC has moved past a breakpoint when the
	// trap is reported.
	trapPCOffset = 1
	// maxInstrLen bounds the bytes read to validate a site.
	maxInstrLen = 15
)

// breakpointInstr is int3.
var breakpointInstr = []byte{0xcc}

func decodable(code []byte) bool {
	_, err := x86asm.Decode(code, 64)

	return err == nil
}
