package kernel

import (
	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/memory"
	"github.com/evanphx/x86core/memory/paging"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// DefaultStackSize is the user stack of a fresh image.
const DefaultStackSize = 64 << 10

// MM is the address space of a task: its page directory, its areas and
// the layout labels set by exec.
type MM struct {
	Dir *paging.Directory
	VM  *memory.VirtualMemory

	StartCode, EndCode uint32
	StartData, EndData uint32
	StartBrk, Brk      uint32
	StartStack         uint32
	ArgStart, ArgEnd   uint32
	EnvStart, EnvEnd   uint32

	stack *memory.Region
	heap  *memory.Region
}

func (mm *MM) Stack() *memory.Region {
	return mm.stack
}

func (mm *MM) Heap() *memory.Region {
	return mm.heap
}

func mapFlags(flags memory.RegionFlags) paging.MapFlags {
	f := paging.MapPresent | paging.MapUser | paging.MapUpdateAddr
	if flags&memory.RegionWrite != 0 {
		f |= paging.MapRW
	}
	return f
}

// CreateBlankProcessImage returns a new directory with only a stack area
// ending at the top of the process area.
func (k *Kernel) CreateBlankProcessImage(stackSize uint32) (*MM, error) {
	dir, err := k.Paging.NewDirectory()
	if err != nil {
		return nil, err
	}

	mm := &MM{
		Dir: dir,
		VM:  memory.NewVirtualMemory(),
	}

	stackSize = memory.PageAlignUp(stackSize)

	reg, err := k.VMAreaCreate(mm, memory.ProcAreaEnd-stackSize, stackSize,
		memory.RegionRead|memory.RegionWrite|memory.RegionUser|memory.RegionStack, memory.ZoneHighUser)
	if err != nil {
		k.Paging.DestroyDirectory(dir)
		return nil, err
	}

	mm.stack = reg
	mm.StartStack = memory.ProcAreaEnd

	return mm, nil
}

// VMAreaCreate inserts [v, v+size) and backs it with zeroed frames.
func (k *Kernel) VMAreaCreate(mm *MM, v, size uint32, flags memory.RegionFlags, zone memory.ZoneID) (*memory.Region, error) {
	size = memory.PageAlignUp(size)

	reg := &memory.Region{Start: v, End: v + size, Flags: flags, Zone: zone}
	if v+size < v {
		return nil, errors.Wrapf(memory.ErrBadRegionRequest, "area %#x+%#x wraps", v, size)
	}

	if err := mm.VM.Insert(reg); err != nil {
		return nil, err
	}

	if err := k.populate(mm, reg, reg.Start, reg.End); err != nil {
		mm.VM.Remove(reg)
		return nil, err
	}

	return reg, nil
}

// populate maps zeroed frames over [start, end) of reg, in the largest
// buddy runs available.
func (k *Kernel) populate(mm *MM, reg *memory.Region, start, end uint32) error {
	for cur := start; cur < end; {
		left := (end - cur) >> memory.PageShift

		order := memory.MaxOrder - 1
		for order > 0 && uint32(1)<<uint(order) > left {
			order--
		}

		var (
			pg  *memory.Page
			err error
		)
		for ; order >= 0; order-- {
			pg, err = k.Alloc.AllocPages(reg.Zone, order)
			if err == nil {
				break
			}
		}
		if err != nil {
			k.Paging.ReleaseVMArea(mm.Dir, start, cur-start)
			return err
		}

		count := uint32(1) << uint(order)
		k.Alloc.SplitPages(pg)

		if err := k.Arena.ZeroFrames(pg.Frame(), count); err != nil {
			k.freeRun(pg, count)
			k.Paging.ReleaseVMArea(mm.Dir, start, cur-start)
			return err
		}

		err = k.Paging.UpdateVMArea(mm.Dir, cur, pg.PhysAddr(), count<<memory.PageShift, mapFlags(reg.Flags))
		if err != nil {
			k.Paging.ClearVMArea(mm.Dir, cur, count<<memory.PageShift)
			k.freeRun(pg, count)
			k.Paging.ReleaseVMArea(mm.Dir, start, cur-start)
			return err
		}

		cur += count << memory.PageShift
	}

	return nil
}

func (k *Kernel) freeRun(head *memory.Page, count uint32) {
	for i := uint32(0); i < count; i++ {
		k.Alloc.Put(k.Alloc.PageOf(head.Frame() + memory.Frame(i)))
	}
}

// VMAreaDestroy unmaps reg, drops its frame references and removes it.
func (k *Kernel) VMAreaDestroy(mm *MM, reg *memory.Region) {
	k.Paging.ReleaseVMArea(mm.Dir, reg.Start, reg.Size())
	mm.VM.Remove(reg)

	if mm.heap == reg {
		mm.heap = nil
	}
	if mm.stack == reg {
		mm.stack = nil
	}
}

// SearchFreeArea finds room for size bytes from the mmap hint.
func (k *Kernel) SearchFreeArea(mm *MM, size uint32) (uint32, error) {
	return mm.VM.SearchFree(size, mm.VM.NextMmap())
}

func (k *Kernel) IsValidArea(mm *MM, a, b uint32) bool {
	return mm.VM.IsValid(a, b)
}

// CloneProcessImage builds a COW copy of src, every area included.
func (k *Kernel) CloneProcessImage(src *MM) (*MM, error) {
	dir, err := k.Paging.NewDirectory()
	if err != nil {
		return nil, err
	}

	mm := &MM{}
	*mm = *src
	mm.Dir = dir
	mm.VM = src.VM.Fork()
	mm.stack, mm.heap = nil, nil

	for i, reg := range src.VM.Regions() {
		if err := k.Paging.ForkVMArea(src.Dir, dir, reg.Start, reg.Size()); err != nil {
			k.DestroyProcessImage(mm)
			return nil, err
		}

		creg := mm.VM.Regions()[i]
		if reg == src.stack {
			mm.stack = creg
		}
		if reg == src.heap {
			mm.heap = creg
		}
	}

	return mm, nil
}

// DestroyProcessImage releases every area and then the directory.
func (k *Kernel) DestroyProcessImage(mm *MM) {
	for _, reg := range append([]*memory.Region(nil), mm.VM.Regions()...) {
		k.VMAreaDestroy(mm, reg)
	}

	if k.MMU.CR3() == mm.Dir.PhysAddr() {
		k.MMU.LoadCR3(k.Paging.Main().PhysAddr())
	}

	k.Paging.DestroyDirectory(mm.Dir)
}

// Brk moves the program break. Requests below the start of the heap or
// into another area leave it unchanged; the current break is returned
// either way.
func (t *Task) Brk(addr uint32) uint32 {
	k := t.Kernel
	mm := t.mm

	if addr < mm.StartBrk || addr >= memory.ProcAreaEnd {
		return mm.Brk
	}

	newEnd := memory.PageAlignUp(addr)
	oldEnd := memory.PageAlignUp(mm.Brk)

	switch {
	case newEnd == oldEnd:
	case mm.heap == nil:
		reg, err := k.VMAreaCreate(mm, mm.StartBrk, newEnd-mm.StartBrk,
			memory.RegionRead|memory.RegionWrite|memory.RegionUser|memory.RegionHeap, memory.ZoneHighUser)
		if err != nil {
			t.L.Debug("brk-failed", "pid", t.Pid, "addr", addr, "error", err)
			return mm.Brk
		}
		mm.heap = reg
	case newEnd == mm.StartBrk:
		k.VMAreaDestroy(mm, mm.heap)
	case newEnd > oldEnd:
		if err := mm.VM.Resize(mm.heap, newEnd); err != nil {
			return mm.Brk
		}
		if err := k.populate(mm, mm.heap, oldEnd, newEnd); err != nil {
			mm.VM.Resize(mm.heap, oldEnd)
			return mm.Brk
		}
	default:
		k.Paging.ReleaseVMArea(mm.Dir, newEnd, oldEnd-newEnd)
		mm.VM.Resize(mm.heap, newEnd)
	}

	mm.Brk = addr

	return mm.Brk
}

// Mmap creates an anonymous mapping.
func (t *Task) Mmap(args linux.MmapArgs) (uint32, error) {
	k := t.Kernel
	mm := t.mm

	if args.Len == 0 {
		return 0, abi.EINVAL
	}

	if args.Flags&linux.MAP_ANONYMOUS == 0 || args.Fd != -1 {
		return 0, abi.ENODEV
	}

	if args.Flags&(linux.MAP_SHARED|linux.MAP_PRIVATE) == 0 {
		return 0, abi.EINVAL
	}

	size := memory.PageAlignUp(args.Len)
	if size == 0 {
		return 0, abi.ENOMEM
	}

	var addr uint32

	switch {
	case args.Flags&linux.MAP_FIXED != 0:
		if args.Addr&memory.PageMask != 0 || !mm.VM.IsValid(args.Addr, args.Addr+size) {
			return 0, abi.EINVAL
		}
		addr = args.Addr
	case args.Addr != 0 && args.Addr&memory.PageMask == 0 && mm.VM.IsValid(args.Addr, args.Addr+size):
		addr = args.Addr
	default:
		var err error
		addr, err = k.SearchFreeArea(mm, size)
		if err != nil {
			return 0, err
		}
	}

	flags := memory.RegionUser | memory.RegionMmap
	if args.Prot&linux.PROT_READ != 0 {
		flags |= memory.RegionRead
	}
	if args.Prot&linux.PROT_WRITE != 0 {
		flags |= memory.RegionWrite | memory.RegionRead
	}
	if args.Prot&linux.PROT_EXEC != 0 {
		flags |= memory.RegionExec
	}

	if _, err := k.VMAreaCreate(mm, addr, size, flags, memory.ZoneHighUser); err != nil {
		return 0, err
	}

	mm.VM.AdvanceMmap(addr + size)

	t.L.Trace("mmap", "pid", t.Pid, "addr", hclog.Fmt("%#x", addr), "size", size)

	return addr, nil
}

// Munmap removes every mmap area inside [addr, addr+length). Areas that
// straddle the range are rejected.
func (t *Task) Munmap(addr, length uint32) error {
	mm := t.mm

	if addr&memory.PageMask != 0 || length == 0 {
		return abi.EINVAL
	}

	end := addr + memory.PageAlignUp(length)

	var victims []*memory.Region
	for _, reg := range mm.VM.Regions() {
		if reg.End <= addr || reg.Start >= end {
			continue
		}

		if reg.Start < addr || reg.End > end || reg.Flags&memory.RegionMmap == 0 {
			return abi.EINVAL
		}

		victims = append(victims, reg)
	}

	for _, reg := range victims {
		t.Kernel.VMAreaDestroy(mm, reg)
	}

	return nil
}
