package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func readPath(p *kernel.Task, addr uint32) (string, error) {
	path, err := p.ReadCString(addr, linux.PATH_MAX)
	if err != nil {
		return "", err
	}

	if path == "" {
		return "", abi.ENOENT
	}

	return path, nil
}

func sysExecve(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	var (
		pathAddr = args.Args.R0
		argvAddr = args.Args.R1
		envpAddr = args.Args.R2
	)

	path, err := readPath(task, pathAddr)
	if err != nil {
		return ret(err)
	}

	execArgs, err := task.ReadStringArray(argvAddr)
	if err != nil {
		l.Debug("error copying argv data", "error", err)
		return ret(err)
	}

	execEnv, err := task.ReadStringArray(envpAddr)
	if err != nil {
		l.Debug("error copying envp data", "error", err)
		return ret(err)
	}

	if err := task.Execve(ctx, path, execArgs, execEnv, args.Frame); err != nil {
		l.Debug("unable to exec process", "error", err, "path", path)
		return ret(err)
	}

	// The frame now holds the entry context of the new image.
	return abi.EJUSTRETURN.Ret()
}

func init() {
	Syscalls[linux.SYS_EXECVE] = sysExecve
}
