package ffa

import (
	"fmt"
	"math"
	"strings"
)

// PageSize is the translation granule used for all memory transactions.
const PageSize = 4096

const pageMask = PageSize - 1

// VMID identifies a partition. ID 0 is reserved for the hypervisor itself.
type VMID uint16

const (
	// HypervisorID owns quarantined memory.
	HypervisorID VMID = 0
	// PrimaryID is the first VM created at boot.
	PrimaryID VMID = 1
	// TEEID is the endpoint ID of the secure world.
	TEEID VMID = 0x8000
)

func (id VMID) String() string {
	if id == HypervisorID {
		return "hypervisor"
	}
	return fmt.Sprintf("vm%#x", uint16(id))
}

// Mode is the stage-2 mode of a page as seen by one VM.
type Mode uint32

const (
	ModeRead  Mode = 1 << 0
	ModeWrite Mode = 1 << 1
	ModeExec  Mode = 1 << 2
	// ModeDevice marks device memory, which is never shared.
	ModeDevice Mode = 1 << 3

	// ModeInvalid means the VM has no valid mapping.
	ModeInvalid Mode = 1 << 4
	// ModeUnowned means the VM does not own the page.
	ModeUnowned Mode = 1 << 5
	// ModeShared means another VM also has access.
	ModeShared Mode = 1 << 6

	ModeRW  = ModeRead | ModeWrite
	ModeRWX = ModeRead | ModeWrite | ModeExec

	// ModeUnmapped is the mode of a page the VM neither owns nor maps.
	ModeUnmapped = ModeInvalid | ModeUnowned

	modeAccessMask = ModeRead | ModeWrite | ModeExec
	modeStateMask  = ModeInvalid | ModeUnowned | ModeShared
)

// Access returns the access bits of m.
func (m Mode) Access() Mode { return m & modeAccessMask }

// State returns the ownership state bits of m.
func (m Mode) State() Mode { return m & modeStateMask }

// Accessible reports whether a VM holding mode m can perform access.
func (m Mode) Accessible(access Mode) bool {
	return m&ModeInvalid == 0 && m&access == access
}

func (m Mode) String() string {
	if m == ModeUnmapped {
		return "unmapped"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit Mode
		c   byte
	}{{ModeRead, 'r'}, {ModeWrite, 'w'}, {ModeExec, 'x'}} {
		if m&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	if m&ModeDevice != 0 {
		b.WriteString("|device")
	}
	if m&ModeInvalid != 0 {
		b.WriteString("|invalid")
	}
	if m&ModeUnowned != 0 {
		b.WriteString("|unowned")
	}
	if m&ModeShared != 0 {
		b.WriteString("|shared")
	}
	return b.String()
}

// Range is a half-open physical address range [Begin, End).
type Range struct {
	Begin uint64
	End   uint64
}

// PageRange returns the range covering count pages starting at addr.
func PageRange(addr uint64, count uint32) Range {
	return Range{Begin: addr, End: addr + uint64(count)*PageSize}
}

// Size returns the length of r in bytes.
func (r Range) Size() uint64 { return r.End - r.Begin }

// Pages returns the number of pages in r.
func (r Range) Pages() uint64 { return r.Size() / PageSize }

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Begin < o.End && o.Begin < r.End
}

// Valid reports whether r is non-empty and page aligned.
func (r Range) Valid() bool {
	return r.Begin < r.End && isPageAligned(r.Begin) && isPageAligned(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Begin, r.End)
}

// isPageAligned returns true if addr is page-aligned
func isPageAligned(addr uint64) bool {
	return addr&pageMask == 0
}

// rangeOverflows reports whether count pages starting at addr wrap the
// 64-bit address space.
func rangeOverflows(addr uint64, count uint32) bool {
	size := uint64(count) * PageSize
	return addr > math.MaxUint64-size
}
