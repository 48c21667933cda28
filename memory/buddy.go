package memory

import (
	"fmt"
)

const nilBlock = ^uint32(0)

type block struct {
	next, prev uint32
	order      int8
	free       bool
	head       bool
}

// Buddy is a binary buddy allocator over count consecutive pages. Indexes
// are relative to the start of the managed range. Only the head of a run
// carries state; free-list membership is the single source of truth for
// whether a run is free.
type Buddy struct {
	count    uint32
	maxOrder int

	blocks []block
	heads  [MaxOrder]uint32

	// freeCount holds the number of free runs per order so an allocation
	// can skip empty orders without touching the lists.
	freeCount [MaxOrder]uint32
	freePages uint32
}

// NewBuddy seeds the free lists with the largest naturally aligned runs
// that cover [0, count).
func NewBuddy(count uint32, maxOrder int) *Buddy {
	if maxOrder <= 0 || maxOrder > MaxOrder {
		maxOrder = MaxOrder
	}

	b := &Buddy{
		count:    count,
		maxOrder: maxOrder,
		blocks:   make([]block, count),
	}

	for i := range b.heads {
		b.heads[i] = nilBlock
	}

	for i := range b.blocks {
		b.blocks[i].order = -1
	}

	for idx := uint32(0); idx < count; {
		order := maxOrder - 1
		for order > 0 && (idx&(1<<uint(order)-1) != 0 || idx+1<<uint(order) > count) {
			order--
		}
		b.push(idx, order)
		idx += 1 << uint(order)
	}

	return b
}

func (b *Buddy) push(idx uint32, order int) {
	blk := &b.blocks[idx]
	blk.order = int8(order)
	blk.free = true
	blk.head = true
	blk.prev = nilBlock
	blk.next = b.heads[order]

	if blk.next != nilBlock {
		b.blocks[blk.next].prev = idx
	}

	b.heads[order] = idx
	b.freeCount[order]++
	b.freePages += 1 << uint(order)
}

func (b *Buddy) unlink(idx uint32) {
	blk := &b.blocks[idx]
	order := int(blk.order)

	if blk.prev != nilBlock {
		b.blocks[blk.prev].next = blk.next
	} else {
		b.heads[order] = blk.next
	}

	if blk.next != nilBlock {
		b.blocks[blk.next].prev = blk.prev
	}

	blk.next, blk.prev = nilBlock, nilBlock
	blk.free = false
	b.freeCount[order]--
	b.freePages -= 1 << uint(order)
}

// Alloc removes a run of 2^order pages and returns its first index.
func (b *Buddy) Alloc(order int) (uint32, bool) {
	if order < 0 || order >= b.maxOrder {
		return 0, false
	}

	o := order
	for o < b.maxOrder && b.freeCount[o] == 0 {
		o++
	}

	if o == b.maxOrder {
		return 0, false
	}

	idx := b.heads[o]
	b.unlink(idx)

	for o > order {
		o--
		b.push(idx+1<<uint(o), o)
	}

	blk := &b.blocks[idx]
	blk.order = int8(order)
	blk.head = true

	return idx, true
}

// Free returns the run headed by idx, merging with free buddies of equal
// order for as long as possible.
func (b *Buddy) Free(idx uint32) {
	if idx >= b.count {
		panic(fmt.Sprintf("buddy: free of index %d outside %d pages", idx, b.count))
	}

	blk := &b.blocks[idx]

	if !blk.head || blk.free {
		panic(fmt.Sprintf("buddy: free of index %d which is not an allocated run head", idx))
	}

	order := int(blk.order)
	blk.head = false
	blk.order = -1

	for order < b.maxOrder-1 {
		bud := idx ^ (1 << uint(order))
		if bud >= b.count || bud+1<<uint(order) > b.count {
			break
		}

		bb := &b.blocks[bud]
		if !bb.free || int(bb.order) != order {
			break
		}

		b.unlink(bud)
		bb.head = false
		bb.order = -1

		if bud < idx {
			idx = bud
		}
		order++
	}

	b.push(idx, order)
}

// Split turns the allocated run headed by idx into 2^order allocated
// single-page runs that can be freed one by one.
func (b *Buddy) Split(idx uint32) {
	blk := &b.blocks[idx]
	if !blk.head || blk.free {
		panic(fmt.Sprintf("buddy: split of index %d which is not an allocated run head", idx))
	}

	n := uint32(1) << uint(blk.order)
	for i := idx; i < idx+n; i++ {
		b.blocks[i].head = true
		b.blocks[i].free = false
		b.blocks[i].order = 0
	}
}

// Order returns the order of the allocated run headed by idx, or -1.
func (b *Buddy) Order(idx uint32) int {
	blk := &b.blocks[idx]
	if !blk.head || blk.free {
		return -1
	}
	return int(blk.order)
}

func (b *Buddy) FreePages() uint32 {
	return b.freePages
}

func (b *Buddy) Pages() uint32 {
	return b.count
}

// FreeRuns returns the number of free runs of the given order.
func (b *Buddy) FreeRuns(order int) uint32 {
	return b.freeCount[order]
}

// Runs lists every free run as (index, order) pairs, lowest order first.
func (b *Buddy) Runs() [][2]uint32 {
	var out [][2]uint32
	for o := 0; o < b.maxOrder; o++ {
		for idx := b.heads[o]; idx != nilBlock; idx = b.blocks[idx].next {
			out = append(out, [2]uint32{idx, uint32(o)})
		}
	}
	return out
}
