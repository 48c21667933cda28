package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysKill(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		pid = int32(args.Args.R0)
		sig = linux.Signal(args.Args.R1)
	)

	return ret(p.Kill(int(pid), sig))
}

func sysSignal(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		sig       = linux.Signal(args.Args.R0)
		handler   = args.Args.R1
		sigreturn = args.Args.R2
	)

	old, err := p.Signal(sig, handler, sigreturn)
	if err != nil {
		return ret(err)
	}

	return int32(old)
}

func sysSigaction(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		signo      = linux.Signal(args.Args.R0)
		actionAddr = args.Args.R1
		oldAddr    = args.Args.R2
	)

	var act *linux.Sigaction

	if actionAddr != 0 {
		act = new(linux.Sigaction)
		if err := p.CopyIn(actionAddr, act); err != nil {
			l.Trace("error copying sigaction", "error", err)
			return ret(err)
		}
	}

	old, err := p.Sigaction(signo, act)
	if err != nil {
		return ret(err)
	}

	if oldAddr != 0 {
		return ret(p.CopyOut(oldAddr, old))
	}

	return 0
}

func sysSigprocmask(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		how     = int(args.Args.R0)
		setAddr = args.Args.R1
		oldAddr = args.Args.R2
	)

	var set *linux.SignalSet

	if setAddr != 0 {
		var mask uint32
		if err := p.CopyIn(setAddr, &mask); err != nil {
			return ret(err)
		}

		s := linux.SignalSet(mask)
		set = &s
	}

	old, err := p.Sigprocmask(how, set)
	if err != nil {
		return ret(err)
	}

	if oldAddr != 0 {
		return ret(p.CopyOut(oldAddr, uint32(old)))
	}

	return 0
}

func sysSigpending(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.CopyOut(args.Args.R0, uint32(p.Sigpending())))
}

func sysSigreturn(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	if err := p.Sigreturn(args.Frame); err != nil {
		l.Debug("sigreturn-failed", "pid", p.Pid, "error", err)
		return ret(err)
	}

	return abi.EJUSTRETURN.Ret()
}

func sysPause(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Pause())
}

func init() {
	Syscalls[linux.SYS_KILL] = sysKill
	Syscalls[linux.SYS_SIGNAL] = sysSignal
	Syscalls[linux.SYS_SIGACTION] = sysSigaction
	Syscalls[linux.SYS_SIGPROCMASK] = sysSigprocmask
	Syscalls[linux.SYS_SIGPENDING] = sysSigpending
	Syscalls[linux.SYS_SIGRETURN] = sysSigreturn
	Syscalls[linux.SYS_PAUSE] = sysPause
}
