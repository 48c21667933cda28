package paging

import (
	"sync"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/memory"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	// ErrGlobalCleared is raised as a panic: kernel mappings never lose
	// the global bit once set.
	ErrGlobalCleared = errors.New("attempt to clear the global bit of a page table entry")

	ErrNotMapped = errors.Wrap(abi.EFAULT, "source range not mapped")
)

// Directory is one page directory frame.
type Directory struct {
	page *memory.Page
}

func (d *Directory) PhysAddr() uint32 {
	return d.page.PhysAddr()
}

func (d *Directory) Page() *memory.Page {
	return d.page
}

// Manager performs all page table mutations.
type Manager struct {
	mu sync.Mutex

	L     hclog.Logger
	ram   *memory.RAM
	alloc *memory.Allocator
	cache *memory.PageTableCache
	mmu   *MMU

	main *Directory

	// origins maps the physical address of a not-present entry to the
	// entry it stands for. Only arena entries cloned from a COW source
	// are recorded here.
	origins map[uint32]origin
}

type origin struct {
	pa uint32
	v  uint32
}

func NewManager(l hclog.Logger, alloc *memory.Allocator, cache *memory.PageTableCache, mmu *MMU) (*Manager, error) {
	m := &Manager{
		L:       l,
		ram:     alloc.RAM(),
		alloc:   alloc,
		cache:   cache,
		mmu:     mmu,
		origins: make(map[uint32]origin),
	}

	pg, err := cache.Get()
	if err != nil {
		return nil, err
	}

	m.main = &Directory{page: pg}

	return m, nil
}

// Main is the kernel's own directory. Its kernel half is shared by all
// directories.
func (m *Manager) Main() *Directory {
	return m.main
}

func (m *Manager) MMU() *MMU {
	return m.mmu
}

// NewDirectory allocates a directory whose kernel half points at the same
// page tables as the main directory.
func (m *Manager) NewDirectory() (*Directory, error) {
	pg, err := m.cache.Get()
	if err != nil {
		return nil, err
	}

	d := &Directory{page: pg}

	for i := uint32(KernelDirIndex); i < EntriesPerTable; i++ {
		m.ram.Write32(d.PhysAddr()+i*4, m.ram.Read32(m.main.PhysAddr()+i*4))
	}

	return d, nil
}

// DestroyDirectory returns the user half page tables and the directory
// frame. Mapped frames must already have been released.
func (m *Manager) DestroyDirectory(d *Directory) {
	if d == m.main {
		panic("destroying the main page directory")
	}

	for i := uint32(0); i < KernelDirIndex; i++ {
		pde := Entry(m.ram.Read32(d.PhysAddr() + i*4))
		if pde.HasFlags(FlagPresent) {
			m.cache.Put(m.alloc.PageOf(pde.Frame()))
		}
	}

	m.cache.Put(d.page)
}

// entryAddr returns the physical address of the entry mapping v, creating
// the page table when create is set.
func (m *Manager) entryAddr(d *Directory, v uint32, create, user bool) (uint32, error) {
	pdePA := d.PhysAddr() + dirIndex(v)*4
	pde := Entry(m.ram.Read32(pdePA))

	if !pde.HasFlags(FlagPresent) {
		if !create {
			return 0, ErrNotMapped
		}

		if dirIndex(v) >= KernelDirIndex && d != m.main {
			// The kernel half must be populated in the main directory
			// before any process directory is created.
			panic(errors.Errorf("kernel page table for %#x missing", v))
		}

		pg, err := m.cache.Get()
		if err != nil {
			return 0, err
		}

		pde = FlagPresent | FlagRW
		pde.SetFrame(pg.Frame())
	}

	if user {
		pde.SetFlags(FlagUser)
	}

	m.ram.Write32(pdePA, uint32(pde))

	return pde.Frame().Address() + tableIndex(v)*4, nil
}

// Lookup returns the entry mapping v and its physical address. ok is false
// when no page table covers v.
func (m *Manager) Lookup(d *Directory, v uint32) (e Entry, pa uint32, ok bool) {
	pa, err := m.entryAddr(d, v, false, false)
	if err != nil {
		return 0, 0, false
	}
	return Entry(m.ram.Read32(pa)), pa, true
}

// DirEntry returns the directory entry covering v.
func (m *Manager) DirEntry(d *Directory, v uint32) Entry {
	return Entry(m.ram.Read32(d.PhysAddr() + dirIndex(v)*4))
}

// ReadEntry and WriteEntry access an entry by physical address.
func (m *Manager) ReadEntry(pa uint32) Entry {
	return Entry(m.ram.Read32(pa))
}

func (m *Manager) WriteEntry(pa uint32, e Entry) {
	m.ram.Write32(pa, uint32(e))
}

// Origin returns the entry an arena entry at pa refers to.
func (m *Manager) Origin(pa uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.origins[pa]
	return o.pa, ok
}

// OriginAddr returns the virtual address mapped by the source entry of the
// arena entry at pa, in the source directory.
func (m *Manager) OriginAddr(pa uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.origins[pa]
	return o.v, ok
}

func (m *Manager) ClearOrigin(pa uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.origins, pa)
}

func (m *Manager) setEntry(pa uint32, v uint32, e Entry) {
	old := Entry(m.ram.Read32(pa))
	if old.HasFlags(FlagGlobal) && !e.HasFlags(FlagGlobal) {
		panic(errors.Wrapf(ErrGlobalCleared, "vaddr=%#x entry=%#x", v, uint32(old)))
	}

	m.ram.Write32(pa, uint32(e))

	m.mu.Lock()
	delete(m.origins, pa)
	m.mu.Unlock()

	m.mmu.FlushSingle(v)
}

// UpdateVMArea sets the entries covering [vstart, vstart+size) to flags,
// pointing them at frames from pstart when MapUpdateAddr is given and
// keeping their current frame otherwise.
func (m *Manager) UpdateVMArea(d *Directory, vstart, pstart, size uint32, flags MapFlags) error {
	vstart = memory.PageAlignDown(vstart)
	pstart = memory.PageAlignDown(pstart)

	for off := uint32(0); off < size; off += memory.PageSize {
		v := vstart + off

		pa, err := m.entryAddr(d, v, true, flags&MapUser != 0)
		if err != nil {
			return errors.Wrapf(err, "mapping %#x", v)
		}

		e := flags.entry()
		if flags&MapUpdateAddr != 0 {
			e.SetFrame(memory.FrameFromAddress(pstart + off))
		} else {
			e.SetFrame(Entry(m.ram.Read32(pa)).Frame())
		}

		m.setEntry(pa, v, e)
	}

	return nil
}

// ClearVMArea marks every entry in the range not present and detached.
func (m *Manager) ClearVMArea(d *Directory, vstart, size uint32) {
	for off := uint32(0); off < size; off += memory.PageSize {
		v := vstart + off

		pa, err := m.entryAddr(d, v, false, false)
		if err != nil {
			continue
		}

		m.setEntry(pa, v, 0)
	}
}

// CloneVMArea makes [dstV, dstV+size) in dst refer to what [srcV, ...)
// maps in src. COW sources become tagged, not-present entries so the first
// access faults and resolves the copy on the original.
func (m *Manager) CloneVMArea(src, dst *Directory, srcV, dstV, size uint32, flags MapFlags) error {
	for off := uint32(0); off < size; off += memory.PageSize {
		spa, err := m.entryAddr(src, srcV+off, false, false)
		if err != nil {
			return errors.Wrapf(err, "cloning %#x", srcV+off)
		}

		se := Entry(m.ram.Read32(spa))
		if !se.HasFlags(FlagPresent) {
			return errors.Wrapf(ErrNotMapped, "cloning %#x", srcV+off)
		}

		dv := dstV + off

		dpa, err := m.entryAddr(dst, dv, true, flags&MapUser != 0)
		if err != nil {
			return err
		}

		if se.HasFlags(FlagCOW) {
			m.setEntry(dpa, dv, 0)

			m.mu.Lock()
			m.origins[dpa] = origin{pa: spa, v: srcV + off}
			m.mu.Unlock()
			continue
		}

		e := flags.entry()
		e.SetFrame(se.Frame())
		m.setEntry(dpa, dv, e)
	}

	return nil
}

// ForkVMArea shares every present page of [v, v+size) between src and dst.
// Writable pages lose their RW bit in both directories and gain FlagCOW;
// every shared frame gains a reference.
func (m *Manager) ForkVMArea(src, dst *Directory, v, size uint32) error {
	for off := uint32(0); off < size; off += memory.PageSize {
		cur := v + off

		spa, err := m.entryAddr(src, cur, false, false)
		if err != nil {
			continue
		}

		se := Entry(m.ram.Read32(spa))
		if !se.HasFlags(FlagPresent) {
			continue
		}

		if se.HasAnyFlag(FlagRW | FlagCOW) {
			se.ClearFlags(FlagRW)
			se.SetFlags(FlagCOW)
			m.ram.Write32(spa, uint32(se))
			if m.activeMaps(spa, cur) {
				m.mmu.FlushSingle(cur)
			}
		}

		dpa, err := m.entryAddr(dst, cur, true, se.HasFlags(FlagUser))
		if err != nil {
			return err
		}

		m.ram.Write32(dpa, uint32(se))
		m.alloc.Get(m.alloc.PageOf(se.Frame()))
	}

	return nil
}

// activeMaps reports whether the directory loaded in CR3 translates v
// through the entry at pa.
func (m *Manager) activeMaps(pa, v uint32) bool {
	pde := Entry(m.ram.Read32(m.mmu.CR3() + dirIndex(v)*4))
	return pde.HasFlags(FlagPresent) && pde.Frame().Address()+tableIndex(v)*4 == pa
}

// ReleaseVMArea drops the frame reference of every present entry in the
// range and clears the entries.
func (m *Manager) ReleaseVMArea(d *Directory, v, size uint32) {
	for off := uint32(0); off < size; off += memory.PageSize {
		cur := v + off

		pa, err := m.entryAddr(d, cur, false, false)
		if err != nil {
			continue
		}

		e := Entry(m.ram.Read32(pa))
		if e.HasFlags(FlagPresent) {
			m.alloc.Put(m.alloc.PageOf(e.Frame()))
		}

		m.setEntry(pa, cur, 0)
	}
}
