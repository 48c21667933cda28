package paging

import (
	"fmt"
	"sync"

	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/memory"
)

// Fault describes a failed translation, as CR2 plus the error code.
type Fault struct {
	Addr uint32
	Code uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("page fault at %#x (present=%t write=%t user=%t)",
		f.Addr, f.Present(), f.Write(), f.User())
}

func (f *Fault) Present() bool {
	return f.Code&arch.PFPresent != 0
}

func (f *Fault) Write() bool {
	return f.Code&arch.PFWrite != 0
}

func (f *Fault) User() bool {
	return f.Code&arch.PFUser != 0
}

type tlbEntry struct {
	frame memory.Frame
	user  bool
	rw    bool
	glob  bool
}

// MMU translates virtual addresses through the directory in CR3. Translations
// are cached in a TLB that is only invalidated explicitly.
type MMU struct {
	mu  sync.Mutex
	cpu *arch.CPU
	ram *memory.RAM
	tlb map[memory.VirtPage]tlbEntry

	singleFlushes int
	fullFlushes   int
}

func NewMMU(cpu *arch.CPU, ram *memory.RAM) *MMU {
	return &MMU{
		cpu: cpu,
		ram: ram,
		tlb: make(map[memory.VirtPage]tlbEntry),
	}
}

func (m *MMU) CPU() *arch.CPU {
	return m.cpu
}

// LoadCR3 switches the active directory and flushes every non-global
// translation.
func (m *MMU) LoadCR3(pa uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cpu.CR3 = pa

	for vp, e := range m.tlb {
		if !e.glob {
			delete(m.tlb, vp)
		}
	}

	m.fullFlushes++
}

func (m *MMU) CR3() uint32 {
	return m.cpu.CR3
}

// FlushSingle invalidates one virtual page.
func (m *MMU) FlushSingle(v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tlb, memory.PageFromAddress(v))
	m.singleFlushes++
}

// Cached reports whether v currently has a TLB entry.
func (m *MMU) Cached(v uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tlb[memory.PageFromAddress(v)]
	return ok
}

func (m *MMU) Flushes() (single, full int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.singleFlushes, m.fullFlushes
}

func (m *MMU) permits(e tlbEntry, write, user bool) bool {
	if user && !e.user {
		return false
	}

	if write && !e.rw {
		if user || m.cpu.WriteProtect() {
			return false
		}
	}

	return true
}

// Translate returns the physical address for v or a *Fault.
func (m *MMU) Translate(v uint32, write, user bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vp := memory.PageFromAddress(v)
	off := v & memory.PageMask

	if e, ok := m.tlb[vp]; ok && m.permits(e, write, user) {
		return e.frame.Address() | off, nil
	}

	var code uint32
	if write {
		code |= arch.PFWrite
	}
	if user {
		code |= arch.PFUser
	}

	pdePA := m.cpu.CR3 + dirIndex(v)*4
	pde := Entry(m.ram.Read32(pdePA))

	if !pde.HasFlags(FlagPresent) {
		return 0, &Fault{Addr: v, Code: code}
	}

	ptePA := pde.Frame().Address() + tableIndex(v)*4
	pte := Entry(m.ram.Read32(ptePA))

	if !pte.HasFlags(FlagPresent) {
		return 0, &Fault{Addr: v, Code: code}
	}

	e := tlbEntry{
		frame: pte.Frame(),
		user:  pde.HasFlags(FlagUser) && pte.HasFlags(FlagUser),
		rw:    pde.HasFlags(FlagRW) && pte.HasFlags(FlagRW),
		glob:  pte.HasFlags(FlagGlobal),
	}

	if !m.permits(e, write, user) {
		return 0, &Fault{Addr: v, Code: code | arch.PFPresent}
	}

	pte.SetFlags(FlagAccessed)
	if write {
		pte.SetFlags(FlagDirty)
	}
	m.ram.Write32(ptePA, uint32(pte))

	m.tlb[vp] = e

	return e.frame.Address() | off, nil
}

// Read copies len(buf) bytes from v, stopping at the first fault. It
// returns the number of bytes copied.
func (m *MMU) Read(v uint32, buf []byte, user bool) (int, error) {
	return m.access(v, buf, false, user)
}

func (m *MMU) Write(v uint32, data []byte, user bool) (int, error) {
	return m.access(v, data, true, user)
}

func (m *MMU) access(v uint32, buf []byte, write, user bool) (int, error) {
	done := 0

	for done < len(buf) {
		cur := v + uint32(done)

		pa, err := m.Translate(cur, write, user)
		if err != nil {
			return done, err
		}

		n := int(memory.PageSize - cur&memory.PageMask)
		if n > len(buf)-done {
			n = len(buf) - done
		}

		mem := m.ram.Slice(pa, uint32(n))
		if write {
			copy(mem, buf[done:done+n])
		} else {
			copy(buf[done:done+n], mem)
		}

		done += n
	}

	return done, nil
}
