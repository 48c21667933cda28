package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysBrk(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Brk(args.Args.R0))
}

// sysMmap takes a pointer to its six arguments.
func sysMmap(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var ma linux.MmapArgs

	if err := p.CopyIn(args.Args.R0, &ma); err != nil {
		return ret(err)
	}

	addr, err := p.Mmap(ma)
	if err != nil {
		l.Trace("mmap-failed", "pid", p.Pid, "len", ma.Len, "flags", hclog.Fmt("%#x", ma.Flags), "error", err)
		return ret(err)
	}

	return int32(addr)
}

func sysMunmap(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Munmap(args.Args.R0, args.Args.R1))
}

func init() {
	Syscalls[linux.SYS_BRK] = sysBrk
	Syscalls[linux.SYS_MMAP] = sysMmap
	Syscalls[linux.SYS_MUNMAP] = sysMunmap
}
