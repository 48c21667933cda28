// Package vmem is the kernel virtual mapping arena: a fixed window above
// the process area whose page tables are shared by every directory, used
// to reach memory that is not linearly mapped or belongs to another
// address space.
package vmem

import (
	"sync"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/memory"
	"github.com/evanphx/x86core/memory/paging"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxChunk bounds each mapping made by Memcpy.
const MaxChunk = 64 << 10

var (
	ErrArenaFull  = errors.Wrap(abi.ENOMEM, "vmem arena exhausted")
	ErrNotInArena = errors.Wrap(abi.EINVAL, "address is not an arena mapping")
)

// Accessor reads and writes kernel virtual memory. The kernel supplies one
// that resolves faults raised by tagged arena entries.
type Accessor interface {
	ReadKernel(v uint32, buf []byte) error
	WriteKernel(v uint32, data []byte) error
}

type mmuAccessor struct {
	mmu *paging.MMU
}

func (m mmuAccessor) ReadKernel(v uint32, buf []byte) error {
	_, err := m.mmu.Read(v, buf, false)
	return err
}

func (m mmuAccessor) WriteKernel(v uint32, data []byte) error {
	_, err := m.mmu.Write(v, data, false)
	return err
}

type Arena struct {
	mu sync.Mutex

	L     hclog.Logger
	base  uint32
	pg    *paging.Manager
	buddy *memory.Buddy
	mem   Accessor

	maps map[uint32]uint32
}

// New creates the arena and populates its page tables in the main
// directory. It must run before any process directory is created.
func New(l hclog.Logger, pg *paging.Manager) (*Arena, error) {
	a := &Arena{
		L:     l,
		base:  memory.ArenaBase,
		pg:    pg,
		buddy: memory.NewBuddy(memory.ArenaPages, memory.MaxOrder),
		mem:   mmuAccessor{mmu: pg.MMU()},
		maps:  make(map[uint32]uint32),
	}

	err := pg.UpdateVMArea(pg.Main(), a.base, 0, memory.ArenaSize, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "populating arena tables")
	}

	l.Debug("vmem-arena", "base", hclog.Fmt("%#x", a.base), "pages", memory.ArenaPages)

	return a, nil
}

func (a *Arena) SetAccessor(m Accessor) {
	a.mem = m
}

func (a *Arena) Contains(v uint32) bool {
	return v >= a.base && v < a.base+memory.ArenaSize
}

// InUse is the number of virtual pages currently mapped.
func (a *Arena) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return memory.ArenaPages - a.buddy.FreePages()
}

func (a *Arena) reserve(count uint32) (uint32, error) {
	if count == 0 {
		return 0, errors.Wrap(abi.EINVAL, "empty arena mapping")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.buddy.Alloc(memory.OrderFor(count))
	if !ok {
		return 0, errors.Wrapf(ErrArenaFull, "count=%d", count)
	}

	v := a.base + idx<<memory.PageShift
	a.maps[v] = count

	return v, nil
}

func (a *Arena) release(v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.maps, v)
	a.buddy.Free((v - a.base) >> memory.PageShift)
}

// MapPhysicalPages maps count frames starting at f and returns the arena
// address of the first.
func (a *Arena) MapPhysicalPages(f memory.Frame, count uint32) (uint32, error) {
	v, err := a.reserve(count)
	if err != nil {
		return 0, err
	}

	err = a.pg.UpdateVMArea(a.pg.Main(), v, f.Address(), count<<memory.PageShift,
		paging.MapPresent|paging.MapRW|paging.MapUpdateAddr)
	if err != nil {
		a.release(v)
		return 0, err
	}

	return v, nil
}

// MapVirtualPages aliases count pages of d starting at the page holding v.
// The returned address keeps v's offset within the page.
func (a *Arena) MapVirtualPages(d *paging.Directory, v, count uint32) (uint32, error) {
	av, err := a.reserve(count)
	if err != nil {
		return 0, err
	}

	err = a.pg.CloneVMArea(d, a.pg.Main(), memory.PageAlignDown(v), av, count<<memory.PageShift,
		paging.MapPresent|paging.MapRW)
	if err != nil {
		a.unmapRange(av, count)
		a.release(av)
		return 0, err
	}

	return av + v&memory.PageMask, nil
}

func (a *Arena) unmapRange(v, count uint32) {
	a.pg.ClearVMArea(a.pg.Main(), v, count<<memory.PageShift)
}

// Unmap removes the mapping containing v.
func (a *Arena) Unmap(v uint32) error {
	v = memory.PageAlignDown(v)

	a.mu.Lock()
	count, ok := a.maps[v]
	a.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotInArena, "vaddr=%#x", v)
	}

	a.unmapRange(v, count)
	a.release(v)

	return nil
}

func spanPages(v, n uint32) uint32 {
	return memory.PagesFor(v&memory.PageMask + n)
}

// ReadFrom copies from another address space into buf.
func (a *Arena) ReadFrom(d *paging.Directory, v uint32, buf []byte) error {
	for done := uint32(0); done < uint32(len(buf)); {
		n := chunk(v+done, uint32(len(buf))-done)

		av, err := a.MapVirtualPages(d, v+done, spanPages(v+done, n))
		if err != nil {
			return err
		}

		err = a.mem.ReadKernel(av, buf[done:done+n])
		a.Unmap(av)

		if err != nil {
			return err
		}

		done += n
	}

	return nil
}

// WriteTo copies data into another address space.
func (a *Arena) WriteTo(d *paging.Directory, v uint32, data []byte) error {
	for done := uint32(0); done < uint32(len(data)); {
		n := chunk(v+done, uint32(len(data))-done)

		av, err := a.MapVirtualPages(d, v+done, spanPages(v+done, n))
		if err != nil {
			return err
		}

		err = a.mem.WriteKernel(av, data[done:done+n])
		a.Unmap(av)

		if err != nil {
			return err
		}

		done += n
	}

	return nil
}

func chunk(v, left uint32) uint32 {
	n := MaxChunk - v&memory.PageMask
	if n > left {
		n = left
	}
	return n
}

// Memcpy copies size bytes between two address spaces, mapping at most a
// MaxChunk window of each side at a time.
func (a *Arena) Memcpy(dst *paging.Directory, dstV uint32, src *paging.Directory, srcV, size uint32) error {
	buf := make([]byte, MaxChunk)

	for done := uint32(0); done < size; {
		n := chunk(srcV+done, size-done)
		if m := chunk(dstV+done, size-done); m < n {
			n = m
		}

		if err := a.ReadFrom(src, srcV+done, buf[:n]); err != nil {
			return errors.Wrapf(err, "memcpy source %#x", srcV+done)
		}

		if err := a.WriteTo(dst, dstV+done, buf[:n]); err != nil {
			return errors.Wrapf(err, "memcpy destination %#x", dstV+done)
		}

		done += n
	}

	return nil
}

// CopyFrame duplicates the contents of one physical frame into another.
func (a *Arena) CopyFrame(dst, src memory.Frame) error {
	sv, err := a.MapPhysicalPages(src, 1)
	if err != nil {
		return err
	}
	defer a.Unmap(sv)

	dv, err := a.MapPhysicalPages(dst, 1)
	if err != nil {
		return err
	}
	defer a.Unmap(dv)

	buf := make([]byte, memory.PageSize)

	if err := a.mem.ReadKernel(sv, buf); err != nil {
		return err
	}

	return a.mem.WriteKernel(dv, buf)
}

// ZeroFrames clears count frames starting at f.
func (a *Arena) ZeroFrames(f memory.Frame, count uint32) error {
	v, err := a.MapPhysicalPages(f, count)
	if err != nil {
		return err
	}
	defer a.Unmap(v)

	return a.mem.WriteKernel(v, make([]byte, count<<memory.PageShift))
}

// WriteFrames stores data at offset off of the run starting at f.
func (a *Arena) WriteFrames(f memory.Frame, off uint32, data []byte) error {
	count := memory.PagesFor(off + uint32(len(data)))

	v, err := a.MapPhysicalPages(f, count)
	if err != nil {
		return err
	}
	defer a.Unmap(v)

	return a.mem.WriteKernel(v+off, data)
}
