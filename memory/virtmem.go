package memory

import (
	"sort"

	"github.com/evanphx/x86core/abi"
	"github.com/pkg/errors"
)

// MmapBase is the default start hint for anonymous mappings.
const MmapBase = 0x40000000

type RegionFlags uint32

const (
	RegionRead RegionFlags = 1 << iota
	RegionWrite
	RegionExec
	RegionUser
	RegionStack
	RegionHeap
	RegionMmap
)

// Region is one virtual memory area of a process image.
type Region struct {
	Start, End uint32
	Flags      RegionFlags
	Zone       ZoneID
}

func (reg *Region) dup() *Region {
	child := &Region{}

	// shallow dup
	*child = *reg

	return child
}

func (reg *Region) Size() uint32 {
	return reg.End - reg.Start
}

func (reg *Region) Contains(x uint32) bool {
	return x >= reg.Start && x < reg.End
}

func (reg *Region) Writable() bool {
	return reg.Flags&RegionWrite != 0
}

// VirtualMemory is the ordered set of areas of one address space.
type VirtualMemory struct {
	regions []*Region

	// cache is the last area returned by FindRegion.
	cache *Region

	nextMmapStart uint32
	size          uint32
}

func NewVirtualMemory() *VirtualMemory {
	return &VirtualMemory{
		nextMmapStart: MmapBase,
	}
}

func (vm *VirtualMemory) Fork() *VirtualMemory {
	child := &VirtualMemory{
		nextMmapStart: vm.nextMmapStart,
		size:          vm.size,
		regions:       make([]*Region, len(vm.regions)),
	}

	for i, reg := range vm.regions {
		child.regions[i] = reg.dup()
	}

	return child
}

func (vm *VirtualMemory) Size() uint32 {
	return vm.size
}

func (vm *VirtualMemory) Regions() []*Region {
	return vm.regions
}

func (vm *VirtualMemory) FindRegion(addr uint32) (*Region, bool) {
	if vm.cache != nil && vm.cache.Contains(addr) {
		return vm.cache, true
	}

	i := sort.Search(len(vm.regions), func(i int) bool {
		return vm.regions[i].End > addr
	})

	if i < len(vm.regions) && vm.regions[i].Contains(addr) {
		vm.cache = vm.regions[i]
		return vm.regions[i], true
	}

	return nil, false
}

// RangeMapped reports whether every byte of [addr, addr+n) lies in some
// area.
func (vm *VirtualMemory) RangeMapped(addr, n uint32) bool {
	end := uint64(addr) + uint64(n)
	for cur := uint64(addr); cur < end; {
		reg, ok := vm.FindRegion(uint32(cur))
		if !ok {
			return false
		}
		cur = uint64(reg.End)
	}
	return true
}

// IsValid reports whether [a, b) lies in the process area and overlaps no
// existing area.
func (vm *VirtualMemory) IsValid(a, b uint32) bool {
	if a >= b || a < ProcAreaStart || b > ProcAreaEnd {
		return false
	}

	for _, reg := range vm.regions {
		if a < reg.End && reg.Start < b {
			return false
		}
	}

	return true
}

var ErrBadRegionRequest = errors.Wrap(abi.EINVAL, "bad region request")

func (vm *VirtualMemory) Insert(reg *Region) error {
	if reg.Start&PageMask != 0 || reg.End&PageMask != 0 || !vm.IsValid(reg.Start, reg.End) {
		return errors.Wrapf(ErrBadRegionRequest, "start=%#x end=%#x", reg.Start, reg.End)
	}

	i := sort.Search(len(vm.regions), func(i int) bool {
		return vm.regions[i].Start >= reg.End
	})

	vm.regions = append(vm.regions, nil)
	copy(vm.regions[i+1:], vm.regions[i:])
	vm.regions[i] = reg

	vm.size += reg.Size()

	return nil
}

func (vm *VirtualMemory) Remove(reg *Region) {
	for i, r := range vm.regions {
		if r == reg {
			vm.regions = append(vm.regions[:i], vm.regions[i+1:]...)
			vm.size -= reg.Size()
			break
		}
	}

	if vm.cache == reg {
		vm.cache = nil
	}
}

// Resize moves the end of reg, which must stay ordered with its neighbours.
func (vm *VirtualMemory) Resize(reg *Region, end uint32) error {
	if end <= reg.Start || end&PageMask != 0 || end > ProcAreaEnd {
		return ErrBadRegionRequest
	}

	if end > reg.End {
		for _, r := range vm.regions {
			if r != reg && r.Start < end && reg.Start < r.End {
				return errors.Wrapf(ErrBadRegionRequest, "grow to %#x overlaps %#x", end, r.Start)
			}
		}
	}

	vm.size = vm.size - reg.Size() + (end - reg.Start)
	reg.End = end

	return nil
}

var ErrNoVirtualSpace = errors.Wrap(abi.ENOMEM, "no free virtual area")

// SearchFree returns the first page aligned address at or above hint where
// size bytes fit between existing areas.
func (vm *VirtualMemory) SearchFree(size, hint uint32) (uint32, error) {
	size = PageAlignUp(size)
	if size == 0 {
		return 0, ErrBadRegionRequest
	}

	if hint < ProcAreaStart {
		hint = ProcAreaStart
	}

	cand := uint64(PageAlignUp(hint))

	for _, reg := range vm.regions {
		if uint64(reg.End) <= cand {
			continue
		}

		if cand+uint64(size) <= uint64(reg.Start) {
			return uint32(cand), nil
		}

		cand = uint64(reg.End)
	}

	if cand+uint64(size) <= ProcAreaEnd {
		return uint32(cand), nil
	}

	return 0, ErrNoVirtualSpace
}

// NextMmap returns the hint used for mappings without an address.
func (vm *VirtualMemory) NextMmap() uint32 {
	return vm.nextMmapStart
}

func (vm *VirtualMemory) AdvanceMmap(end uint32) {
	if end > vm.nextMmapStart {
		vm.nextMmapStart = end
	}
}
