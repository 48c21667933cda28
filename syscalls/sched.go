package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysNice(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Nice(int(int32(args.Args.R0))))
}

func sysSchedSetparam(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		pid  = int(int32(args.Args.R0))
		addr = args.Args.R1
	)

	if addr == 0 {
		return abi.EINVAL.Ret()
	}

	var param linux.SchedParam
	if err := p.CopyIn(addr, &param); err != nil {
		return ret(err)
	}

	return ret(p.SchedSetparam(pid, param))
}

func sysSchedGetparam(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		pid  = int(int32(args.Args.R0))
		addr = args.Args.R1
	)

	if addr == 0 {
		return abi.EINVAL.Ret()
	}

	param, err := p.SchedGetparam(pid)
	if err != nil {
		return ret(err)
	}

	return ret(p.CopyOut(addr, param))
}

func sysWaitperiod(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Waitperiod())
}

func init() {
	Syscalls[linux.SYS_NICE] = sysNice
	Syscalls[linux.SYS_SCHED_SETPARAM] = sysSchedSetparam
	Syscalls[linux.SYS_SCHED_GETPARAM] = sysSchedGetparam
	Syscalls[linux.SYS_WAITPERIOD] = sysWaitperiod
}
