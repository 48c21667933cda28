package memory

import "math"

// Frame describes a physical memory page index.
type Frame uint32

const InvalidFrame = Frame(math.MaxUint32)

func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of f.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress rounds a physical address down to its frame.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> PageShift)
}

// VirtPage describes a virtual memory page index.
type VirtPage uint32

func (p VirtPage) Address() uint32 {
	return uint32(p) << PageShift
}

func PageFromAddress(virtAddr uint32) VirtPage {
	return VirtPage(virtAddr >> PageShift)
}
