package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// maxIO bounds the kernel buffer of a single read or write.
const maxIO = 1 << 20

func sysClose(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	var (
		fd = int(args.Args.R0)
	)

	if err := task.CloseFile(ctx, fd); err != nil {
		l.Trace("error closing fd", "error", err, "fd", fd)
		return ret(err)
	}

	return 0
}

func sysWrite(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	var (
		fd  = int(args.Args.R0)
		ptr = args.Args.R1
		sz  = args.Args.R2
	)

	f, ok := task.GetFile(fd)
	if !ok {
		return abi.EBADF.Ret()
	}

	if sz > maxIO {
		sz = maxIO
	}

	data := make([]byte, sz)

	if err := task.ReadBytes(ptr, data); err != nil {
		l.Trace("error reading data from userspace", "error", err)
		return ret(err)
	}

	n, err := task.Kernel.VFS.Write(ctx, f, data)
	if err != nil {
		return ret(err)
	}

	return int32(n)
}

func sysRead(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	var (
		fd  = int(args.Args.R0)
		buf = args.Args.R1
		sz  = args.Args.R2
	)

	f, ok := task.GetFile(fd)
	if !ok {
		return abi.EBADF.Ret()
	}

	if sz == 0 {
		return 0
	}

	if sz > maxIO {
		sz = maxIO
	}

	tmp := make([]byte, sz)

	n, err := task.Kernel.VFS.Read(ctx, f, tmp)
	if err != nil {
		return ret(err)
	}

	if err := task.WriteBytes(buf, tmp[:n]); err != nil {
		l.Trace("error copying data out", "error", err)
		return ret(err)
	}

	return int32(n)
}

func sysLseek(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	var (
		fd     = int(args.Args.R0)
		off    = int32(args.Args.R1)
		whence = int(args.Args.R2)
	)

	f, ok := task.GetFile(fd)
	if !ok {
		return abi.EBADF.Ret()
	}

	pos, err := task.Kernel.VFS.Lseek(ctx, f, int64(off), whence)
	if err != nil {
		return ret(err)
	}

	if pos > 1<<31-1 {
		return abi.EFBIG.Ret()
	}

	return int32(pos)
}

func sysDup(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	fd, err := task.Dup(int(args.Args.R0))
	if err != nil {
		return ret(err)
	}

	return int32(fd)
}

func sysDup2(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int32 {
	var (
		from = int(args.Args.R0)
		to   = int(args.Args.R1)
	)

	fd, err := task.Dup2(from, to)
	if err != nil {
		l.Trace("error duping fd", "from", from, "to", to, "error", err)
		return ret(err)
	}

	return int32(fd)
}

func sysPipe(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var addr = args.Args.R0

	rfd, wfd, err := p.Pipe(ctx, 0)
	if err != nil {
		l.Error("unable to create pipe", "error", err)
		return ret(err)
	}

	type pipeBuf struct {
		Read, Write int32
	}

	err = p.CopyOut(addr, pipeBuf{
		Read:  int32(rfd),
		Write: int32(wfd),
	})

	if err != nil {
		l.Trace("error writing data to pipe buffer", "error", err)
		p.CloseFile(ctx, rfd)
		p.CloseFile(ctx, wfd)
		return ret(err)
	}

	return 0
}

func sysIOCTL(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd   = int(args.Args.R0)
		cmd  = args.Args.R1
		addr = args.Args.R2
	)

	r, err := p.Ioctl(ctx, fd, cmd, addr)
	if err != nil {
		return ret(err)
	}

	return r
}

func sysFcntl(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd  = int(args.Args.R0)
		cmd = int(args.Args.R1)
		arg = int(args.Args.R2)
	)

	f, ok := p.GetFile(fd)
	if !ok {
		return abi.EBADF.Ret()
	}

	switch cmd {
	case linux.F_GETFD:
		flags, err := p.Files().Flags(fd)
		if err != nil {
			return ret(err)
		}
		return int32(flags)
	case linux.F_SETFD:
		return ret(p.Files().SetFlags(fd, arg&linux.FD_CLOEXEC))
	case linux.F_GETFL:
		return int32(f.Flags)
	default:
		return abi.ENOSYS.Ret()
	}
}

func init() {
	Syscalls[linux.SYS_CLOSE] = sysClose
	Syscalls[linux.SYS_WRITE] = sysWrite
	Syscalls[linux.SYS_READ] = sysRead
	Syscalls[linux.SYS_LSEEK] = sysLseek

	Syscalls[linux.SYS_PIPE] = sysPipe

	Syscalls[linux.SYS_DUP] = sysDup
	Syscalls[linux.SYS_DUP2] = sysDup2
	Syscalls[linux.SYS_IOCTL] = sysIOCTL
	Syscalls[linux.SYS_FCNTL] = sysFcntl
}
