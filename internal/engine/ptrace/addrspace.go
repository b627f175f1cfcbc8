package ptrace

import (
	"maps"
	"slices"
)

// Site is a source line whose first instruction starts at a breakpoint.
type Site struct {
	File string
	Line int
}

// breakpoint is one planted trap instruction.
type breakpoint struct {
	orig  []byte
	sites []Site
	// rendezvous marks the dynamic loader's library-list hook.
	rendezvous bool
	// stepping counts threads currently executing the original bytes.
	stepping int
}

func (bp *breakpoint) clone() *breakpoint {
	return &breakpoint{
		orig:       slices.Clone(bp.orig),
		sites:      slices.Clone(bp.sites),
		rendezvous: bp.rendezvous,
	}
}

// AddressSpace is the breakpoint table of one memory image. Threads and
// vfork children share an AddressSpace, fork children get a copy and exec
// starts a fresh one.
type AddressSpace struct {
	breakpoints map[uint64]*breakpoint
	images      map[string]bool
}

// NewAddressSpace returns an empty table.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		breakpoints: make(map[uint64]*breakpoint),
		images:      make(map[string]bool),
	}
}

// Fork copies the table for a child whose memory is a copy of ours.
func (a *AddressSpace) Fork() *AddressSpace {
	child := NewAddressSpace()

	for addr, bp := range a.breakpoints {
		child.breakpoints[addr] = bp.clone()
	}

	maps.Copy(child.images, a.images)

	return child
}

// Lookup returns the breakpoint planted at addr.
func (a *AddressSpace) Lookup(addr uint64) (*breakpoint, bool) {
	bp, ok := a.breakpoints[addr]

	return bp, ok
}

// Len returns the number of planted breakpoints.
func (a *AddressSpace) Len() int {
	return len(a.breakpoints)
}

// Addresses returns all breakpoint addresses in ascending order.
func (a *AddressSpace) Addresses() []uint64 {
	return slices.Sorted(maps.Keys(a.breakpoints))
}

// markImage records that the image at path has been planted and reports
// whether it was new.
func (a *AddressSpace) markImage(path string) bool {
	if a.images[path] {
		return false
	}

	a.images[path] = true

	return true
}

func (a *AddressSpace) add(addr uint64, orig []byte, site *Site) *breakpoint {
	bp, ok := a.breakpoints[addr]
	if !ok {
		bp = &breakpoint{orig: slices.Clone(orig)}
		a.breakpoints[addr] = bp
	}

	if site == nil {
		bp.rendezvous = true
	} else if !slices.Contains(bp.sites, *site) {
		bp.sites = append(bp.sites, *site)
	}

	return bp
}

func (a *AddressSpace) clear() {
	clear(a.breakpoints)
}
