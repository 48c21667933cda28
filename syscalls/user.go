package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysGetpid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Pid)
}

func sysGetppid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	if parent := p.Parent(); parent != nil {
		return int32(parent.Pid)
	}
	return 0
}

func sysGetUID(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Cred.UID)
}

func sysGetGID(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Cred.GID)
}

func sysGetEUID(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Cred.EUID)
}

func sysGetEGID(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return int32(p.Cred.EGID)
}

func sysSetUID(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Setuid(int(int32(args.Args.R0))))
}

func sysSetGID(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Setgid(int(int32(args.Args.R0))))
}

func sysSetreuid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Setreuid(int(int32(args.Args.R0)), int(int32(args.Args.R1))))
}

func sysSetregid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Setregid(int(int32(args.Args.R0)), int(int32(args.Args.R1))))
}

func sysGetsid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	sid, err := p.Getsid(int(int32(args.Args.R0)))
	if err != nil {
		return ret(err)
	}
	return int32(sid)
}

func sysSetsid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	sid, err := p.Setsid()
	if err != nil {
		return ret(err)
	}
	return int32(sid)
}

func sysGetpgid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	pgid, err := p.Getpgid(int(int32(args.Args.R0)))
	if err != nil {
		return ret(err)
	}
	return int32(pgid)
}

func sysSetpgid(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Setpgid(int(int32(args.Args.R0)), int(int32(args.Args.R1))))
}

func init() {
	Syscalls[linux.SYS_GETPID] = sysGetpid
	Syscalls[linux.SYS_GETPPID] = sysGetppid

	Syscalls[linux.SYS_GETUID] = sysGetUID
	Syscalls[linux.SYS_GETGID] = sysGetGID
	Syscalls[linux.SYS_GETEUID] = sysGetEUID
	Syscalls[linux.SYS_GETEGID] = sysGetEGID
	Syscalls[linux.SYS_SETUID] = sysSetUID
	Syscalls[linux.SYS_SETGID] = sysSetGID
	Syscalls[linux.SYS_SETREUID] = sysSetreuid
	Syscalls[linux.SYS_SETREGID] = sysSetregid

	Syscalls[linux.SYS_GETSID] = sysGetsid
	Syscalls[linux.SYS_SETSID] = sysSetsid
	Syscalls[linux.SYS_GETPGID] = sysGetpgid
	Syscalls[linux.SYS_SETPGID] = sysSetpgid
}
