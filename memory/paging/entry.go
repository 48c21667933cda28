// Package paging manages two-level i386 page tables stored in simulated
// RAM and the MMU that walks them.
package paging

import "github.com/evanphx/x86core/memory"

// Entry is a page directory or page table entry.
type Entry uint32

const (
	FlagPresent Entry = 1 << iota
	FlagRW
	FlagUser
	FlagWriteThrough
	FlagNoCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal

	// FlagCOW uses the first software-available bit.
	FlagCOW

	frameMask Entry = 0xFFFFF000
)

const (
	EntriesPerTable = 1024

	// KernelDirIndex is the first directory slot of the kernel half.
	KernelDirIndex = memory.KernelBase >> 22
)

// HasFlags returns true if all of flags are set.
func (e Entry) HasFlags(flags Entry) bool {
	return e&flags == flags
}

func (e Entry) HasAnyFlag(flags Entry) bool {
	return e&flags != 0
}

func (e *Entry) SetFlags(flags Entry) {
	*e |= flags
}

func (e *Entry) ClearFlags(flags Entry) {
	*e &^= flags
}

func (e Entry) Frame() memory.Frame {
	return memory.FrameFromAddress(uint32(e & frameMask))
}

func (e *Entry) SetFrame(f memory.Frame) {
	*e = (*e &^ frameMask) | Entry(f.Address())
}

func dirIndex(v uint32) uint32 {
	return v >> 22
}

func tableIndex(v uint32) uint32 {
	return (v >> 12) & (EntriesPerTable - 1)
}

// MapFlags are the semantic flags accepted by the area operations.
type MapFlags uint32

const (
	MapPresent MapFlags = 1 << iota
	MapRW
	MapUser
	MapGlobal
	MapCOW

	// MapUpdateAddr points entries at successive frames from pstart.
	MapUpdateAddr
)

func (f MapFlags) entry() Entry {
	var e Entry
	if f&MapPresent != 0 {
		e |= FlagPresent
	}
	if f&MapRW != 0 {
		e |= FlagRW
	}
	if f&MapUser != 0 {
		e |= FlagUser
	}
	if f&MapGlobal != 0 {
		e |= FlagGlobal
	}
	if f&MapCOW != 0 {
		e |= FlagCOW
	}
	return e
}
