package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysUname(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.CopyOut(args.Args.R0, p.Kernel.Uname()))
}

func sysReboot(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		magic1 = args.Args.R0
		magic2 = args.Args.R1
		cmd    = args.Args.R2
	)

	return ret(p.Kernel.Reboot(p, magic1, magic2, cmd))
}

func init() {
	Syscalls[linux.SYS_UNAME] = sysUname
	Syscalls[linux.SYS_REBOOT] = sysReboot
}
