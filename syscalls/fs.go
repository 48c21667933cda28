package syscalls

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysOpen(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		ptr   = args.Args.R0
		flags = int(args.Args.R1)
		mode  = args.Args.R2
	)

	path, err := readPath(p, ptr)
	if err != nil {
		return ret(err)
	}

	l.Trace("open file", "path", path, "flags", hclog.Fmt("%#o", flags))

	fd, err := p.OpenFile(ctx, path, flags, mode)
	if err != nil {
		l.Trace("error opening file", "path", path, "error", err)
		return ret(err)
	}

	return int32(fd)
}

func sysCreat(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	path, err := readPath(p, args.Args.R0)
	if err != nil {
		return ret(err)
	}

	fd, err := p.OpenFile(ctx, path, linux.O_CREAT|linux.O_WRONLY|linux.O_TRUNC, args.Args.R1)
	if err != nil {
		return ret(err)
	}

	return int32(fd)
}

// pathOp runs fn on the path in the first argument.
func pathOp(p *kernel.Task, args SysArgs, fn func(path string) error) int32 {
	path, err := readPath(p, args.Args.R0)
	if err != nil {
		return ret(err)
	}

	return ret(fn(path))
}

func sysUnlink(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Kernel.VFS.Unlink(ctx, p.Cwd, path)
	})
}

func sysMkdir(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Kernel.VFS.Mkdir(ctx, p.Cwd, path, args.Args.R1)
	})
}

func sysRmdir(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Kernel.VFS.Rmdir(ctx, p.Cwd, path)
	})
}

func sysChdir(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Chdir(ctx, path)
	})
}

func sysFchdir(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return ret(p.Fchdir(ctx, int(args.Args.R0)))
}

func sysGetcwd(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		buf  = args.Args.R0
		size = args.Args.R1
	)

	cwd := append([]byte(p.Cwd), 0)
	if uint32(len(cwd)) > size {
		return abi.ERANGE.Ret()
	}

	if err := p.WriteBytes(buf, cwd); err != nil {
		return ret(err)
	}

	return int32(len(cwd))
}

func sysStat(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return stat(ctx, l, p, args, true)
}

func sysLstat(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return stat(ctx, l, p, args, false)
}

func stat(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs, follow bool) int32 {
	var (
		ptr = args.Args.R0
		buf = args.Args.R1
	)

	path, err := readPath(p, ptr)
	if err != nil {
		return ret(err)
	}

	l.Trace("syscall/stat", "path", path, "follow", follow)

	st, err := p.Kernel.VFS.Stat(ctx, p.Cwd, path, follow)
	if err != nil {
		return ret(err)
	}

	return ret(p.CopyOut(buf, st.Linux()))
}

func sysFstat(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd  = int(args.Args.R0)
		buf = args.Args.R1
	)

	f, ok := p.GetFile(fd)
	if !ok {
		return abi.EBADF.Ret()
	}

	st, err := p.Kernel.VFS.Fstat(ctx, f)
	if err != nil {
		return ret(err)
	}

	return ret(p.CopyOut(buf, st.Linux()))
}

// direntEmitter packs entries into the user layout of getdents until the
// buffer is full.
type direntEmitter struct {
	buf      bytes.Buffer
	left     int
	offset   uint64
	overflow bool
}

func (d *direntEmitter) emit(ent fs.Dirent) bool {
	a := linux.DirentHeaderSize + len(ent.Name)
	r := (a + 4) &^ (4 - 1)

	if r > d.left {
		d.overflow = true
		return false
	}

	d.offset++

	hdr := linux.DirentHeader{
		Inode:  uint64(ent.Ino),
		Offset: d.offset,
		Reclen: uint16(r),
		Type:   ent.Type,
	}

	binary.Write(&d.buf, binary.LittleEndian, hdr)
	d.buf.WriteString(ent.Name)
	d.buf.Write(make([]byte, r-a))

	d.left -= r

	return true
}

func sysGetdents(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		fd   = int(args.Args.R0)
		ptr  = args.Args.R1
		size = args.Args.R2
	)

	file, ok := p.GetFile(fd)
	if !ok {
		return abi.EBADF.Ret()
	}

	de := &direntEmitter{
		left:   int(size),
		offset: uint64(file.Pos),
	}

	n, err := p.Kernel.VFS.Getdents(ctx, file, de.emit)
	if err != nil {
		l.Trace("error during getdents", "error", err)
		return ret(err)
	}

	if n == 0 && de.overflow {
		return abi.EINVAL.Ret()
	}

	if err := p.WriteBytes(ptr, de.buf.Bytes()); err != nil {
		return ret(err)
	}

	return int32(de.buf.Len())
}

func sysReadlink(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	var (
		addr = args.Args.R0
		ptr  = args.Args.R1
		size = args.Args.R2
	)

	path, err := readPath(p, addr)
	if err != nil {
		return ret(err)
	}

	target, err := p.Kernel.VFS.Readlink(ctx, p.Cwd, path)
	if err != nil {
		return ret(err)
	}

	if len(target) > int(size) {
		target = target[:size]
	}

	if err := p.WriteBytes(ptr, []byte(target)); err != nil {
		l.Trace("error copying data to userspace", "error", err)
		return ret(err)
	}

	return int32(len(target))
}

func sysSymlink(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	target, err := readPath(p, args.Args.R0)
	if err != nil {
		return ret(err)
	}

	linkpath, err := readPath(p, args.Args.R1)
	if err != nil {
		return ret(err)
	}

	return ret(p.Kernel.VFS.Symlink(ctx, p.Cwd, target, linkpath))
}

func modeAttr(mode uint32) *fs.Attr {
	return &fs.Attr{Mask: fs.AttrMode, Mode: mode & 07777}
}

// ownerAttr builds a chown request; an id of -1 is left unchanged.
func ownerAttr(uid, gid uint32) *fs.Attr {
	attr := &fs.Attr{}

	if int32(uid) != -1 {
		attr.Mask |= fs.AttrUID
		attr.UID = int(uid)
	}

	if int32(gid) != -1 {
		attr.Mask |= fs.AttrGID
		attr.GID = int(gid)
	}

	return attr
}

func sysChmod(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Kernel.VFS.Setattr(ctx, p.Cwd, path, modeAttr(args.Args.R1), true)
	})
}

func sysChown(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Kernel.VFS.Setattr(ctx, p.Cwd, path, ownerAttr(args.Args.R1, args.Args.R2), true)
	})
}

func sysLchown(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return pathOp(p, args, func(path string) error {
		return p.Kernel.VFS.Setattr(ctx, p.Cwd, path, ownerAttr(args.Args.R1, args.Args.R2), false)
	})
}

func fileOp(p *kernel.Task, fd uint32, fn func(f *fs.File) error) int32 {
	f, ok := p.GetFile(int(fd))
	if !ok {
		return abi.EBADF.Ret()
	}

	return ret(fn(f))
}

func sysFchmod(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return fileOp(p, args.Args.R0, func(f *fs.File) error {
		return p.Kernel.VFS.Fsetattr(ctx, f, modeAttr(args.Args.R1))
	})
}

func sysFchown(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int32 {
	return fileOp(p, args.Args.R0, func(f *fs.File) error {
		return p.Kernel.VFS.Fsetattr(ctx, f, ownerAttr(args.Args.R1, args.Args.R2))
	})
}

func init() {
	Syscalls[linux.SYS_OPEN] = sysOpen
	Syscalls[linux.SYS_CREAT] = sysCreat
	Syscalls[linux.SYS_UNLINK] = sysUnlink
	Syscalls[linux.SYS_MKDIR] = sysMkdir
	Syscalls[linux.SYS_RMDIR] = sysRmdir
	Syscalls[linux.SYS_CHDIR] = sysChdir
	Syscalls[linux.SYS_FCHDIR] = sysFchdir
	Syscalls[linux.SYS_GETCWD] = sysGetcwd
	Syscalls[linux.SYS_STAT] = sysStat
	Syscalls[linux.SYS_LSTAT] = sysLstat
	Syscalls[linux.SYS_FSTAT] = sysFstat
	Syscalls[linux.SYS_GETDENTS] = sysGetdents
	Syscalls[linux.SYS_READLINK] = sysReadlink
	Syscalls[linux.SYS_SYMLINK] = sysSymlink
	Syscalls[linux.SYS_CHMOD] = sysChmod
	Syscalls[linux.SYS_FCHMOD] = sysFchmod
	Syscalls[linux.SYS_CHOWN] = sysChown
	Syscalls[linux.SYS_LCHOWN] = sysLchown
	Syscalls[linux.SYS_FCHOWN] = sysFchown
}
