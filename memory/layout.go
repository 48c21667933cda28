// Package memory manages simulated physical memory: the frame array, the
// buddy allocator with its zones, page reference counts and the cache that
// hands out page-table frames.
package memory

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// MaxOrder bounds buddy runs to 2^(MaxOrder-1) frames.
	MaxOrder = 11

	// Process images live in [ProcAreaStart, ProcAreaEnd).
	ProcAreaStart = 0x00400000
	ProcAreaEnd   = 0xC0000000

	// KernelBase is where low memory is linearly mapped for the kernel.
	KernelBase = ProcAreaEnd

	// The kernel virtual mapping arena.
	ArenaBase  = ProcAreaEnd + 0x28000000
	ArenaPages = 32768
	ArenaSize  = ArenaPages * PageSize

	// MaxLowmem is the largest physical range that fits below the arena.
	MaxLowmem = ArenaBase - KernelBase

	// ReservedFrames covers the first MiB (real mode area, BIOS, image).
	ReservedFrames = 256
)

func PageAlignDown(v uint32) uint32 {
	return v &^ PageMask
}

func PageAlignUp(v uint32) uint32 {
	return (v + PageMask) &^ PageMask
}

func PagesFor(size uint32) uint32 {
	return (size + PageMask) >> PageShift
}

// OrderFor returns the smallest order whose run holds count frames.
func OrderFor(count uint32) int {
	order := 0
	for (uint32(1) << uint(order)) < count {
		order++
	}
	return order
}
