package paging

import (
	"testing"

	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/memory"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type rig struct {
	cpu   *arch.CPU
	alloc *memory.Allocator
	mmu   *MMU
	mgr   *Manager
}

func newRig(t *testing.T) *rig {
	ram := memory.NewRAM(8 << 20)
	alloc, err := memory.NewAllocator(hclog.NewNullLogger(), ram, 512)
	require.NoError(t, err)

	cpu := arch.NewCPU()
	cpu.EnablePaging()

	mmu := NewMMU(cpu, ram)
	mgr, err := NewManager(hclog.NewNullLogger(), alloc, memory.NewPageTableCache(alloc, 8), mmu)
	require.NoError(t, err)

	mmu.LoadCR3(mgr.Main().PhysAddr())

	return &rig{cpu: cpu, alloc: alloc, mmu: mmu, mgr: mgr}
}

func (r *rig) userPage(t *testing.T) *memory.Page {
	p, err := r.alloc.AllocPages(memory.ZoneHighUser, 0)
	require.NoError(t, err)
	return p
}

func TestEntry(t *testing.T) {
	var e Entry

	e.SetFlags(FlagPresent | FlagRW)
	e.SetFrame(memory.Frame(0x1234))

	require.True(t, e.HasFlags(FlagPresent|FlagRW))
	require.False(t, e.HasFlags(FlagPresent|FlagUser))
	require.True(t, e.HasAnyFlag(FlagUser|FlagRW))
	require.Equal(t, memory.Frame(0x1234), e.Frame())

	e.ClearFlags(FlagRW)
	require.False(t, e.HasFlags(FlagRW))
	require.Equal(t, memory.Frame(0x1234), e.Frame())
}

func TestManager(t *testing.T) {
	n := neko.Modern(t)

	n.It("maps a range at successive frames", func(t *testing.T) {
		r := newRig(t)

		p, err := r.alloc.AllocPages(memory.ZoneHighUser, 1)
		require.NoError(t, err)

		err = r.mgr.UpdateVMArea(r.mgr.Main(), 0x400000, p.PhysAddr(), 2*memory.PageSize,
			MapPresent|MapRW|MapUser|MapUpdateAddr)
		require.NoError(t, err)

		pa, err := r.mmu.Translate(0x401010, true, true)
		require.NoError(t, err)
		require.Equal(t, p.PhysAddr()+memory.PageSize+0x10, pa)

		require.True(t, r.mgr.DirEntry(r.mgr.Main(), 0x400000).HasFlags(FlagUser))
	})

	n.It("keeps the frame unless asked to update it", func(t *testing.T) {
		r := newRig(t)
		p := r.userPage(t)
		d := r.mgr.Main()

		require.NoError(t, r.mgr.UpdateVMArea(d, 0x400000, p.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUser|MapUpdateAddr))
		require.NoError(t, r.mgr.UpdateVMArea(d, 0x400000, 0, memory.PageSize, MapPresent|MapUser))

		e, _, ok := r.mgr.Lookup(d, 0x400000)
		require.True(t, ok)
		require.Equal(t, p.Frame(), e.Frame())
		require.False(t, e.HasFlags(FlagRW))
	})

	n.It("faults on missing and protected pages", func(t *testing.T) {
		r := newRig(t)
		p := r.userPage(t)
		d := r.mgr.Main()

		_, err := r.mmu.Translate(0x400000, false, true)
		require.Error(t, err)
		f := err.(*Fault)
		require.False(t, f.Present())
		require.True(t, f.User())

		require.NoError(t, r.mgr.UpdateVMArea(d, 0x400000, p.PhysAddr(), memory.PageSize, MapPresent|MapUser|MapUpdateAddr))

		_, err = r.mmu.Translate(0x400000, true, true)
		require.Error(t, err)
		f = err.(*Fault)
		require.True(t, f.Present())
		require.True(t, f.Write())

		_, err = r.mmu.Translate(0x400000, true, false)
		require.Error(t, err, "supervisor writes honour CR0.WP")

		require.NoError(t, r.mgr.UpdateVMArea(d, 0x800000, p.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUpdateAddr))
		_, err = r.mmu.Translate(0x800000, false, true)
		require.Error(t, err, "user access to a supervisor page")
	})

	n.It("refuses to clear the global bit", func(t *testing.T) {
		r := newRig(t)
		d := r.mgr.Main()

		require.NoError(t, r.mgr.UpdateVMArea(d, memory.KernelBase, 0, memory.PageSize, MapPresent|MapRW|MapGlobal|MapUpdateAddr))

		require.Panics(t, func() {
			r.mgr.UpdateVMArea(d, memory.KernelBase, 0, memory.PageSize, MapPresent|MapRW|MapUpdateAddr)
		})
	})

	n.It("flushes only non-global translations on CR3 load", func(t *testing.T) {
		r := newRig(t)
		d := r.mgr.Main()
		p := r.userPage(t)

		require.NoError(t, r.mgr.UpdateVMArea(d, memory.KernelBase, 0, memory.PageSize, MapPresent|MapRW|MapGlobal|MapUpdateAddr))
		require.NoError(t, r.mgr.UpdateVMArea(d, 0x400000, p.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUser|MapUpdateAddr))

		_, err := r.mmu.Translate(memory.KernelBase, false, false)
		require.NoError(t, err)
		_, err = r.mmu.Translate(0x400000, false, true)
		require.NoError(t, err)

		r.mmu.LoadCR3(d.PhysAddr())

		require.True(t, r.mmu.Cached(memory.KernelBase))
		require.False(t, r.mmu.Cached(0x400000))
	})

	n.It("shares the kernel half between directories", func(t *testing.T) {
		r := newRig(t)

		require.NoError(t, r.mgr.UpdateVMArea(r.mgr.Main(), memory.KernelBase, 0, memory.PageSize, MapPresent|MapRW|MapGlobal|MapUpdateAddr))

		d, err := r.mgr.NewDirectory()
		require.NoError(t, err)

		require.Equal(t, r.mgr.DirEntry(r.mgr.Main(), memory.KernelBase), r.mgr.DirEntry(d, memory.KernelBase))
		require.False(t, r.mgr.DirEntry(d, 0x400000).HasFlags(FlagPresent))

		r.mgr.DestroyDirectory(d)
	})

	n.It("clones entries and tags COW sources", func(t *testing.T) {
		r := newRig(t)
		main := r.mgr.Main()

		d, err := r.mgr.NewDirectory()
		require.NoError(t, err)

		plain := r.userPage(t)
		cow := r.userPage(t)

		require.NoError(t, r.mgr.UpdateVMArea(d, 0x400000, plain.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUser|MapUpdateAddr))
		require.NoError(t, r.mgr.UpdateVMArea(d, 0x401000, cow.PhysAddr(), memory.PageSize, MapPresent|MapUser|MapCOW|MapUpdateAddr))

		require.NoError(t, r.mgr.CloneVMArea(d, main, 0x400000, 0x10000000, 2*memory.PageSize, MapPresent|MapRW))

		e, pa, ok := r.mgr.Lookup(main, 0x10000000)
		require.True(t, ok)
		require.Equal(t, plain.Frame(), e.Frame())
		_, found := r.mgr.Origin(pa)
		require.False(t, found)

		e, pa, ok = r.mgr.Lookup(main, 0x10001000)
		require.True(t, ok)
		require.False(t, e.HasFlags(FlagPresent))

		origin, found := r.mgr.Origin(pa)
		require.True(t, found)
		_, spa, _ := r.mgr.Lookup(d, 0x401000)
		require.Equal(t, spa, origin)

		v, found := r.mgr.OriginAddr(pa)
		require.True(t, found)
		require.Equal(t, uint32(0x401000), v)
	})

	n.It("invalidates the destination translation on clone", func(t *testing.T) {
		r := newRig(t)
		main := r.mgr.Main()
		a, b := r.userPage(t), r.userPage(t)

		require.NoError(t, r.mgr.UpdateVMArea(main, 0x400000, a.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUpdateAddr))
		require.NoError(t, r.mgr.UpdateVMArea(main, 0x500000, b.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUpdateAddr))

		pa, err := r.mmu.Translate(0x500000, false, false)
		require.NoError(t, err)
		require.Equal(t, b.PhysAddr(), pa)

		require.NoError(t, r.mgr.CloneVMArea(main, main, 0x400000, 0x500000, memory.PageSize, MapPresent|MapRW))

		pa, err = r.mmu.Translate(0x500000, false, false)
		require.NoError(t, err)
		require.Equal(t, a.PhysAddr(), pa)
	})

	n.It("forks writable pages as COW in both directories", func(t *testing.T) {
		r := newRig(t)

		parent, err := r.mgr.NewDirectory()
		require.NoError(t, err)
		child, err := r.mgr.NewDirectory()
		require.NoError(t, err)

		rw, ro := r.userPage(t), r.userPage(t)
		require.NoError(t, r.mgr.UpdateVMArea(parent, 0x400000, rw.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUser|MapUpdateAddr))
		require.NoError(t, r.mgr.UpdateVMArea(parent, 0x401000, ro.PhysAddr(), memory.PageSize, MapPresent|MapUser|MapUpdateAddr))

		require.NoError(t, r.mgr.ForkVMArea(parent, child, 0x400000, 2*memory.PageSize))

		for _, d := range []*Directory{parent, child} {
			e, _, ok := r.mgr.Lookup(d, 0x400000)
			require.True(t, ok)
			require.True(t, e.HasFlags(FlagPresent|FlagCOW|FlagUser))
			require.False(t, e.HasFlags(FlagRW))
			require.Equal(t, rw.Frame(), e.Frame())

			e, _, _ = r.mgr.Lookup(d, 0x401000)
			require.False(t, e.HasFlags(FlagCOW))
		}

		require.Equal(t, int32(2), r.alloc.Refs(rw))
		require.Equal(t, int32(2), r.alloc.Refs(ro))

		used := r.alloc.Zone(memory.ZoneHighUser).UsedPages()

		r.mgr.ReleaseVMArea(child, 0x400000, 2*memory.PageSize)
		require.Equal(t, used, r.alloc.Zone(memory.ZoneHighUser).UsedPages())

		r.mgr.ReleaseVMArea(parent, 0x400000, 2*memory.PageSize)
		require.Equal(t, used-2, r.alloc.Zone(memory.ZoneHighUser).UsedPages())

		r.mgr.DestroyDirectory(parent)
		r.mgr.DestroyDirectory(child)
	})

	n.It("flushes only translations of the directory being forked", func(t *testing.T) {
		r := newRig(t)
		main := r.mgr.Main()

		other, err := r.mgr.NewDirectory()
		require.NoError(t, err)
		child, err := r.mgr.NewDirectory()
		require.NoError(t, err)

		a, b := r.userPage(t), r.userPage(t)
		require.NoError(t, r.mgr.UpdateVMArea(main, 0x400000, a.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUpdateAddr))
		require.NoError(t, r.mgr.UpdateVMArea(other, 0x400000, b.PhysAddr(), memory.PageSize, MapPresent|MapRW|MapUpdateAddr))

		_, err = r.mmu.Translate(0x400000, false, false)
		require.NoError(t, err)
		require.True(t, r.mmu.Cached(0x400000))

		single, _ := r.mmu.Flushes()

		require.NoError(t, r.mgr.ForkVMArea(other, child, 0x400000, memory.PageSize))
		require.True(t, r.mmu.Cached(0x400000))

		after, _ := r.mmu.Flushes()
		require.Equal(t, single, after)

		require.NoError(t, r.mgr.ForkVMArea(main, child, 0x400000, memory.PageSize))
		require.False(t, r.mmu.Cached(0x400000))

		e, _, ok := r.mgr.Lookup(main, 0x400000)
		require.True(t, ok)
		require.True(t, e.HasFlags(FlagCOW))
	})

	n.It("copies bytes across pages", func(t *testing.T) {
		r := newRig(t)
		p, err := r.alloc.AllocPages(memory.ZoneHighUser, 1)
		require.NoError(t, err)

		require.NoError(t, r.mgr.UpdateVMArea(r.mgr.Main(), 0x400000, p.PhysAddr(), 2*memory.PageSize, MapPresent|MapRW|MapUser|MapUpdateAddr))

		data := []byte("straddling a page boundary")
		n, err := r.mmu.Write(0x400ff8, data, true)
		require.NoError(t, err)
		require.Equal(t, len(data), n)

		out := make([]byte, len(data))
		_, err = r.mmu.Read(0x400ff8, out, true)
		require.NoError(t, err)
		require.Equal(t, data, out)

		n, err = r.mmu.Write(0x401ff8, data, true)
		require.Error(t, err)
		require.Equal(t, 8, n)
	})

	n.Meow()
}
