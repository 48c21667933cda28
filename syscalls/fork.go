package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysFork(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	child, err := p.Fork(args.Frame)
	if err != nil {
		l.Debug("fork-failed", "pid", p.Pid, "error", err)
		return ret(err)
	}

	return int32(child.Pid)
}

func sysExit(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	p.Exit(kernel.ExitStatus{Code: int(args.Args.R0 & 0xff)})
	return abi.EJUSTRETURN.Ret()
}

func sysWaitpid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		pid      = int32(args.Args.R0)
		statAddr = args.Args.R1
		options  = int(args.Args.R2)
	)

	cpid, status, err := p.Waitpid(int(pid), options)
	if err != nil {
		return ret(err)
	}

	if cpid > 0 && statAddr != 0 {
		if err := p.CopyOut(statAddr, status); err != nil {
			return ret(err)
		}
	}

	l.Trace("waitpid-found-child", "pid", cpid, "status", status)

	return int32(cpid)
}

func init() {
	Syscalls[linux.SYS_FORK] = sysFork
	Syscalls[linux.SYS_EXIT] = sysExit
	Syscalls[linux.SYS_WAITPID] = sysWaitpid
}
