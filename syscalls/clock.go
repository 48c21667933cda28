package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysTime(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr = args.Args.R0
	)

	now := int32(p.Kernel.Now().Unix())

	if ptr != 0 {
		if err := p.CopyOut(ptr, now); err != nil {
			return ret(err)
		}
	}

	return now
}

func sysAlarm(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Alarm(args.Args.R0))
}

func sysGetitimer(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		which = int(args.Args.R0)
		ptr   = args.Args.R1
	)

	cur, err := p.Getitimer(which)
	if err != nil {
		return ret(err)
	}

	return ret(p.CopyOut(ptr, cur))
}

func sysSetitimer(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		which   = int(args.Args.R0)
		newAddr = args.Args.R1
		oldAddr = args.Args.R2
	)

	var val linux.Itimerval

	if newAddr != 0 {
		if err := p.CopyIn(newAddr, &val); err != nil {
			return ret(err)
		}
	}

	old, err := p.Setitimer(which, val)
	if err != nil {
		return ret(err)
	}

	if oldAddr != 0 {
		return ret(p.CopyOut(oldAddr, old))
	}

	return 0
}

func sysNanosleep(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		req = args.Args.R0
		rem = args.Args.R1
	)

	var ts linux.Timespec
	if err := p.CopyIn(req, &ts); err != nil {
		return ret(err)
	}

	if err := p.Nanosleep(ts); err != nil {
		return ret(err)
	}

	if rem != 0 {
		return ret(p.CopyOut(rem, linux.Timespec{}))
	}

	return 0
}

func init() {
	Syscalls[linux.SYS_TIME] = sysTime
	Syscalls[linux.SYS_ALARM] = sysAlarm
	Syscalls[linux.SYS_GETITIMER] = sysGetitimer
	Syscalls[linux.SYS_SETITIMER] = sysSetitimer
	Syscalls[linux.SYS_NANOSLEEP] = sysNanosleep
}
