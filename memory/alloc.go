package memory

import (
	"fmt"
	"sync"

	"github.com/evanphx/x86core/abi"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when a zone has no run of the requested order.
var ErrOutOfMemory = errors.Wrap(abi.ENOMEM, "out of physical memory")

type ZoneID int

const (
	// ZoneKernel is linearly mapped at KernelBase and holds page tables,
	// directories and other kernel objects.
	ZoneKernel ZoneID = iota

	// ZoneHighUser holds process pages. It is not linearly mapped; the
	// kernel reaches it through the vmem arena.
	ZoneHighUser

	NumZones
)

func (z ZoneID) String() string {
	switch z {
	case ZoneKernel:
		return "kernel"
	case ZoneHighUser:
		return "high-user"
	}
	return fmt.Sprintf("zone(%d)", int(z))
}

type Zone struct {
	ID    ZoneID
	Start Frame
	Count uint32

	buddy *Buddy
}

func (z *Zone) Contains(f Frame) bool {
	return f >= z.Start && uint32(f-z.Start) < z.Count
}

func (z *Zone) FreePages() uint32 {
	return z.buddy.FreePages()
}

func (z *Zone) UsedPages() uint32 {
	return z.Count - z.buddy.FreePages()
}

func (z *Zone) Buddy() *Buddy {
	return z.buddy
}

// Page is the descriptor of one physical frame.
type Page struct {
	frame Frame
	zone  ZoneID
	refs  int32
}

func (p *Page) Frame() Frame {
	return p.frame
}

func (p *Page) PhysAddr() uint32 {
	return p.frame.Address()
}

func (p *Page) Zone() ZoneID {
	return p.zone
}

// Allocator owns every frame of RAM past the reserved low area.
type Allocator struct {
	mu sync.Mutex

	L     hclog.Logger
	ram   *RAM
	pages []Page
	zones [NumZones]*Zone

	lowmemEnd Frame
}

// NewAllocator splits RAM into the reserved area, a kernel zone of
// kernelFrames frames and a high-user zone with the rest.
func NewAllocator(l hclog.Logger, ram *RAM, kernelFrames uint32) (*Allocator, error) {
	total := ram.Frames()

	if total <= ReservedFrames+kernelFrames {
		return nil, errors.Errorf("ram of %d frames too small for %d kernel frames", total, kernelFrames)
	}

	if (ReservedFrames+kernelFrames)<<PageShift > MaxLowmem {
		return nil, errors.Errorf("kernel zone of %d frames exceeds low memory", kernelFrames)
	}

	a := &Allocator{
		L:     l,
		ram:   ram,
		pages: make([]Page, total),
	}

	for i := range a.pages {
		a.pages[i].frame = Frame(i)
		a.pages[i].zone = NumZones
	}

	a.zones[ZoneKernel] = &Zone{
		ID:    ZoneKernel,
		Start: Frame(ReservedFrames),
		Count: kernelFrames,
		buddy: NewBuddy(kernelFrames, MaxOrder),
	}

	high := total - ReservedFrames - kernelFrames

	a.zones[ZoneHighUser] = &Zone{
		ID:    ZoneHighUser,
		Start: Frame(ReservedFrames + kernelFrames),
		Count: high,
		buddy: NewBuddy(high, MaxOrder),
	}

	for _, z := range a.zones {
		for i := uint32(0); i < z.Count; i++ {
			a.pages[uint32(z.Start)+i].zone = z.ID
		}
	}

	a.lowmemEnd = Frame(ReservedFrames + kernelFrames)

	l.Debug("physical-memory", "frames", total,
		"kernel-start", a.zones[ZoneKernel].Start, "kernel-frames", kernelFrames,
		"user-start", a.zones[ZoneHighUser].Start, "user-frames", high)

	return a, nil
}

func (a *Allocator) RAM() *RAM {
	return a.ram
}

func (a *Allocator) Zone(id ZoneID) *Zone {
	return a.zones[id]
}

// LowmemFrames is the number of frames linearly mapped at KernelBase.
func (a *Allocator) LowmemFrames() uint32 {
	return uint32(a.lowmemEnd)
}

// AllocPages returns the head of a physically contiguous run of 2^order
// frames. Contents are not zeroed.
func (a *Allocator) AllocPages(zone ZoneID, order int) (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z := a.zones[zone]

	idx, ok := z.buddy.Alloc(order)
	if !ok {
		a.L.Warn("alloc-pages-failed", "zone", zone, "order", order, "free", z.buddy.FreePages())
		return nil, errors.Wrapf(ErrOutOfMemory, "zone=%s order=%d", zone, order)
	}

	n := uint32(1) << uint(order)
	for i := uint32(0); i < n; i++ {
		a.pages[uint32(z.Start)+idx+i].refs = 1
	}

	return &a.pages[uint32(z.Start)+idx], nil
}

// FreePages returns a run. p must be a run head.
func (a *Allocator) FreePages(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.freeLocked(p)
}

func (a *Allocator) freeLocked(p *Page) {
	z := a.zoneOf(p)
	idx := uint32(p.frame - z.Start)

	order := z.buddy.Order(idx)
	if order < 0 {
		panic(fmt.Sprintf("free_pages: frame %#x is not a run head", uint32(p.frame)))
	}

	n := uint32(1) << uint(order)
	for i := uint32(0); i < n; i++ {
		a.pages[uint32(p.frame)+i].refs = 0
	}

	z.buddy.Free(idx)
}

// SplitPages lets each frame of the run headed by p be freed on its own.
func (a *Allocator) SplitPages(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z := a.zoneOf(p)
	z.buddy.Split(uint32(p.frame - z.Start))
}

// RunOrder returns the order of the run headed by p, or -1 when p is not
// an allocated head.
func (a *Allocator) RunOrder(p *Page) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	z := a.zoneOf(p)
	return z.buddy.Order(uint32(p.frame - z.Start))
}

func (a *Allocator) zoneOf(p *Page) *Zone {
	if p.zone >= NumZones {
		panic(fmt.Sprintf("frame %#x is not managed by the allocator", uint32(p.frame)))
	}
	return a.zones[p.zone]
}

// PageOf returns the descriptor for f.
func (a *Allocator) PageOf(f Frame) *Page {
	if uint32(f) >= uint32(len(a.pages)) {
		panic(fmt.Sprintf("frame %#x outside of RAM", uint32(f)))
	}
	return &a.pages[f]
}

func (a *Allocator) PageFromPhys(pa uint32) *Page {
	return a.PageOf(FrameFromAddress(pa))
}

// LowmemAddr returns the kernel-linear virtual address of p.
func (a *Allocator) LowmemAddr(p *Page) uint32 {
	if p.frame >= a.lowmemEnd {
		panic(fmt.Sprintf("frame %#x is not in low memory", uint32(p.frame)))
	}
	return KernelBase + p.frame.Address()
}

func (a *Allocator) PageFromLowmem(v uint32) *Page {
	if v < KernelBase || v >= KernelBase+a.lowmemEnd.Address() {
		panic(fmt.Sprintf("address %#x is not a low memory address", v))
	}
	return a.PageFromPhys(v - KernelBase)
}

// Get takes a reference on a single frame.
func (a *Allocator) Get(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p.refs <= 0 {
		panic(fmt.Sprintf("get on free frame %#x", uint32(p.frame)))
	}
	p.refs++
}

// Put drops a reference and frees the frame when it was the last one. It
// reports whether the frame was freed.
func (a *Allocator) Put(p *Page) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p.refs <= 0 {
		panic(fmt.Sprintf("put on free frame %#x", uint32(p.frame)))
	}

	p.refs--
	if p.refs > 0 {
		return false
	}

	a.freeLocked(p)
	return true
}

func (a *Allocator) Refs(p *Page) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return p.refs
}
