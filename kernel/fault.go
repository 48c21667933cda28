package kernel

import (
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/memory"
	"github.com/evanphx/x86core/memory/paging"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// PageFault is the #PF entry. CR2 holds the address and frame.ErrCode the
// error bits.
func (k *Kernel) PageFault(frame *arch.Regs) {
	f := &paging.Fault{Addr: k.CPU.CR2, Code: frame.ErrCode}
	t := k.Current()

	k.L.Trace("page-fault", "pid", t.Pid, "addr", hclog.Fmt("%#x", f.Addr),
		"present", f.Present(), "write", f.Write(), "user", f.User())

	d := k.currentDir()

	if !k.Arena.Contains(f.Addr) && !k.Paging.DirEntry(d, f.Addr).HasFlags(paging.FlagPresent) {
		if f.User() {
			k.segv(t, frame, f, linux.SEGV_MAPERR)
			return
		}
		k.Panic(frame, "kernel page fault without page table at %#x", f.Addr)
	}

	err := k.resolveFault(d, f)
	if err == nil {
		return
	}

	if f.User() {
		code := int32(linux.SEGV_MAPERR)
		if f.Present() {
			code = linux.SEGV_ACCERR
		}
		k.segv(t, frame, f, code)
		return
	}

	k.Panic(frame, "unhandled kernel page fault: %s: %v", f, err)
}

func (k *Kernel) segv(t *Task, frame *arch.Regs, f *paging.Fault, code int32) {
	t.L.Debug("segmentation-fault", "pid", t.Pid, "addr", hclog.Fmt("%#x", f.Addr), "eip", hclog.Fmt("%#x", frame.EIP))

	k.forceSignal(t, linux.SIGSEGV, &linux.Siginfo{
		Signo: int32(linux.SIGSEGV),
		Code:  code,
		Addr:  f.Addr,
	})

	k.Sched.Run(frame)
}

// resolveFault services COW faults and faults on tagged arena entries in
// d. Anything else is a real access violation.
func (k *Kernel) resolveFault(d *paging.Directory, f *paging.Fault) error {
	if k.Arena.Contains(f.Addr) {
		return k.resolveArenaFault(f)
	}

	e, pa, ok := k.Paging.Lookup(d, f.Addr)
	if !ok {
		return errors.Wrapf(ErrUnresolved, "no table for %#x", f.Addr)
	}

	if f.Write() && e.HasFlags(paging.FlagPresent|paging.FlagCOW) {
		return k.breakCOW(pa, f.Addr)
	}

	return errors.Wrapf(ErrUnresolved, "entry %#x", uint32(e))
}

// resolveArenaFault follows a tagged arena entry to the entry it stands for
// and maps the frame that entry ends up with. Reads keep a COW original
// shared; the arena entry stays tagged so a later write breaks it.
func (k *Kernel) resolveArenaFault(f *paging.Fault) error {
	_, pa, ok := k.Paging.Lookup(k.Paging.Main(), f.Addr)
	if !ok {
		return errors.Wrapf(ErrUnresolved, "arena table missing for %#x", f.Addr)
	}

	spa, tagged := k.Paging.Origin(pa)
	if !tagged {
		return errors.Wrapf(ErrUnresolved, "arena entry for %#x is not tagged", f.Addr)
	}
	sv, _ := k.Paging.OriginAddr(pa)

	se := k.Paging.ReadEntry(spa)
	if !se.HasFlags(paging.FlagPresent) {
		return errors.Wrapf(ErrUnresolved, "origin of %#x not present", f.Addr)
	}

	if f.Write() && se.HasFlags(paging.FlagCOW) {
		if err := k.breakCOW(spa, sv); err != nil {
			return err
		}
		se = k.Paging.ReadEntry(spa)
	}

	ae := paging.FlagPresent
	if !se.HasFlags(paging.FlagCOW) {
		ae |= paging.FlagRW
	}
	ae.SetFrame(se.Frame())

	k.Paging.WriteEntry(pa, ae)
	k.MMU.FlushSingle(f.Addr)

	return nil
}

// breakCOW gives the entry at pa a private writable frame. The last owner
// of a shared frame claims it in place.
func (k *Kernel) breakCOW(pa, v uint32) error {
	e := k.Paging.ReadEntry(pa)
	old := k.Alloc.PageOf(e.Frame())

	if k.Alloc.Refs(old) > 1 {
		pg, err := k.Alloc.AllocPages(memory.ZoneHighUser, 0)
		if err != nil {
			return err
		}

		if err := k.Arena.CopyFrame(pg.Frame(), old.Frame()); err != nil {
			k.Alloc.Put(pg)
			return err
		}

		k.Alloc.Put(old)
		e.SetFrame(pg.Frame())

		k.L.Trace("cow-copy", "vaddr", hclog.Fmt("%#x", v), "from", old.Frame(), "to", pg.Frame())
	} else {
		k.L.Trace("cow-claim", "vaddr", hclog.Fmt("%#x", v), "frame", old.Frame())
	}

	e.ClearFlags(paging.FlagCOW)
	e.SetFlags(paging.FlagPresent | paging.FlagRW)

	k.Paging.WriteEntry(pa, e)
	k.MMU.FlushSingle(v)

	return nil
}
