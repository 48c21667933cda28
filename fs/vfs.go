package fs

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/pkg/errors"
)

type target struct {
	abs string
	rel string
	sb  *Superblock
}

func (v *VFS) locate(ctx context.Context, cwd, path string, flags ResolveFlags) (*target, error) {
	if path == "" {
		return nil, ErrUnknownPath
	}

	abs, err := v.ResolvePath(ctx, cwd, path, flags)
	if err != nil {
		return nil, err
	}

	sb, err := v.GetSuperblock(abs)
	if err != nil {
		return nil, err
	}

	return &target{abs: abs, rel: sb.Relative(abs), sb: sb}, nil
}

// isMountpoint reports whether abs is the mount path of a superblock
// other than the one holding its parent.
func (v *VFS) isMountpoint(abs string) bool {
	abs = Clean(abs)

	v.mu.Lock()
	defer v.mu.Unlock()

	for it := v.supers.Front(); it != nil; it = it.Next() {
		if it.(*Superblock).Path == abs {
			return true
		}
	}
	return false
}

func (v *VFS) checkParent(ctx context.Context, abs string, mask int) error {
	parent := Parent(Clean(abs))

	st, err := v.lstat(ctx, parent)
	if err != nil {
		return err
	}

	if st.Type() != Directory {
		return errors.Wrapf(ErrNotDirectory, "%s", parent)
	}

	return CheckPermission(CredFrom(ctx), st, mask)
}

// Open resolves path and opens it on the owning filesystem. The returned
// file holds one reference.
func (v *VFS) Open(ctx context.Context, cwd, path string, flags int, mode uint32) (*File, error) {
	rf := FollowLinks
	if flags&linux.O_NOFOLLOW != 0 {
		rf = 0
	}
	if flags&linux.O_CREAT != 0 {
		rf |= CreatLastComponent
	}

	t, err := v.locate(ctx, cwd, path, rf)
	if err != nil {
		return nil, err
	}

	cred := CredFrom(ctx)

	st, err := t.sb.Root.SysOps.Stat(ctx, t.rel)
	switch {
	case err == nil:
		if flags&linux.O_CREAT != 0 && flags&linux.O_EXCL != 0 {
			return nil, errors.Wrapf(ErrExists, "%s", t.abs)
		}

		if st.Type() == Symlink {
			return nil, errors.Wrapf(ErrLoop, "%s is a symlink", t.abs)
		}

		if flags&linux.O_DIRECTORY != 0 && st.Type() != Directory {
			return nil, errors.Wrapf(ErrNotDirectory, "%s", t.abs)
		}

		if st.Type() == Directory && flags&linux.O_ACCMODE != linux.O_RDONLY {
			return nil, errors.Wrapf(ErrIsDirectory, "%s", t.abs)
		}

		if err := CheckPermission(cred, st, AccessMask(flags)); err != nil {
			return nil, errors.Wrapf(err, "open %s", t.abs)
		}
	case errors.Cause(err) == ErrUnknownPath && flags&linux.O_CREAT != 0:
		if err := v.checkParent(ctx, t.abs, linux.MAY_WRITE|linux.MAY_EXEC); err != nil {
			return nil, errors.Wrapf(err, "create %s", t.abs)
		}
	default:
		return nil, err
	}

	f, err := t.sb.Root.Ops.Open(ctx, t.rel, flags, mode&07777)
	if err != nil {
		return nil, err
	}

	f.Name = t.abs
	f.Flags = flags
	f.IncRef()

	v.L.Trace("open", "path", t.abs, "flags", flags, "ino", f.Ino)

	return f, nil
}

func (v *VFS) Creat(ctx context.Context, cwd, path string, mode uint32) (*File, error) {
	return v.Open(ctx, cwd, path, linux.O_CREAT|linux.O_WRONLY|linux.O_TRUNC, mode)
}

// Dup takes another reference on f.
func (v *VFS) Dup(f *File) *File {
	f.IncRef()
	return f
}

// Close drops one reference and calls the filesystem when it was the
// last.
func (v *VFS) Close(ctx context.Context, f *File) error {
	if !f.DecRef() {
		return nil
	}

	v.L.Trace("close", "path", f.Name)

	return f.Ops.Close(ctx, f)
}

func (v *VFS) Read(ctx context.Context, f *File, buf []byte) (int, error) {
	if !f.Readable() {
		return 0, ErrBadFile
	}

	if f.Type() == Directory {
		return 0, ErrIsDirectory
	}

	n, err := f.Ops.Read(ctx, f, buf, f.Pos)
	if n > 0 {
		f.Pos += int64(n)
	}

	return n, err
}

func (v *VFS) Write(ctx context.Context, f *File, data []byte) (int, error) {
	if !f.Writable() {
		return 0, ErrBadFile
	}

	if f.Flags&linux.O_APPEND != 0 {
		st, err := f.Ops.Fstat(ctx, f)
		if err == nil {
			f.Pos = st.Size
		}
	}

	n, err := f.Ops.Write(ctx, f, data, f.Pos)
	if n > 0 {
		f.Pos += int64(n)
	}

	return n, err
}

func (v *VFS) Lseek(ctx context.Context, f *File, off int64, whence int) (int64, error) {
	if f.Type() == Directory {
		if whence != linux.SEEK_SET || off != 0 {
			return 0, ErrInvalid
		}
		v.Rewind(f)
		return 0, nil
	}

	return f.Ops.Lseek(ctx, f, off, whence)
}

func (v *VFS) Fstat(ctx context.Context, f *File) (*Stat, error) {
	return f.Ops.Fstat(ctx, f)
}

func (v *VFS) Ioctl(ctx context.Context, f *File, req, arg uint32) (int32, error) {
	return f.Ops.Ioctl(ctx, f, req, arg)
}

// Stat returns the metadata of path, following a final symbolic link when
// follow is set.
func (v *VFS) Stat(ctx context.Context, cwd, path string, follow bool) (*Stat, error) {
	var rf ResolveFlags
	if follow {
		rf = FollowLinks
	}

	t, err := v.locate(ctx, cwd, path, rf)
	if err != nil {
		return nil, err
	}

	st, err := t.sb.Root.SysOps.Stat(ctx, t.rel)
	if err != nil {
		return nil, err
	}

	st.Dev = t.sb.Dev
	return st, nil
}

func (v *VFS) Mkdir(ctx context.Context, cwd, path string, mode uint32) error {
	t, err := v.locate(ctx, cwd, path, RemoveTrailingSlash)
	if err != nil {
		return err
	}

	if v.isMountpoint(t.abs) {
		return errors.Wrapf(ErrExists, "%s", t.abs)
	}

	if err := v.checkParent(ctx, t.abs, linux.MAY_WRITE|linux.MAY_EXEC); err != nil {
		return err
	}

	return t.sb.Root.SysOps.Mkdir(ctx, t.rel, mode&07777)
}

func (v *VFS) Rmdir(ctx context.Context, cwd, path string) error {
	t, err := v.locate(ctx, cwd, path, RemoveTrailingSlash)
	if err != nil {
		return err
	}

	if v.isMountpoint(t.abs) {
		return errors.Wrapf(ErrBusy, "%s is a mount point", t.abs)
	}

	if err := v.checkParent(ctx, t.abs, linux.MAY_WRITE|linux.MAY_EXEC); err != nil {
		return err
	}

	return t.sb.Root.SysOps.Rmdir(ctx, t.rel)
}

func (v *VFS) Unlink(ctx context.Context, cwd, path string) error {
	t, err := v.locate(ctx, cwd, path, 0)
	if err != nil {
		return err
	}

	if v.isMountpoint(t.abs) {
		return errors.Wrapf(ErrBusy, "%s is a mount point", t.abs)
	}

	if err := v.checkParent(ctx, t.abs, linux.MAY_WRITE|linux.MAY_EXEC); err != nil {
		return err
	}

	return t.sb.Root.Ops.Unlink(ctx, t.rel)
}

func (v *VFS) Readlink(ctx context.Context, cwd, path string) (string, error) {
	t, err := v.locate(ctx, cwd, path, 0)
	if err != nil {
		return "", err
	}

	return t.sb.Root.Ops.Readlink(ctx, t.rel)
}

// Symlink creates linkpath holding target.
func (v *VFS) Symlink(ctx context.Context, cwd, target, linkpath string) error {
	if target == "" {
		return ErrUnknownPath
	}

	t, err := v.locate(ctx, cwd, linkpath, 0)
	if err != nil {
		return err
	}

	if v.isMountpoint(t.abs) {
		return errors.Wrapf(ErrExists, "%s", t.abs)
	}

	if err := v.checkParent(ctx, t.abs, linux.MAY_WRITE|linux.MAY_EXEC); err != nil {
		return err
	}

	return t.sb.Root.SysOps.Symlink(ctx, target, t.rel)
}

func checkSetattr(cred *Cred, st *Stat, attr *Attr) error {
	if cred.IsRoot() {
		return nil
	}

	if attr.Mask&AttrUID != 0 && attr.UID != st.UID {
		return ErrNotPermitted
	}

	if attr.Mask&AttrGID != 0 && attr.GID != st.GID && !(cred.EUID == st.UID && cred.EGID == attr.GID) {
		return ErrNotPermitted
	}

	if cred.EUID != st.UID {
		return ErrNotPermitted
	}

	return nil
}

// Setattr changes mode and ownership of path. Only root may give a file
// away; the owner may change the mode and move the file to its own group.
func (v *VFS) Setattr(ctx context.Context, cwd, path string, attr *Attr, follow bool) error {
	var rf ResolveFlags
	if follow {
		rf = FollowLinks
	}

	t, err := v.locate(ctx, cwd, path, rf)
	if err != nil {
		return err
	}

	st, err := t.sb.Root.SysOps.Stat(ctx, t.rel)
	if err != nil {
		return err
	}

	if err := checkSetattr(CredFrom(ctx), st, attr); err != nil {
		return errors.Wrapf(err, "setattr %s", t.abs)
	}

	return t.sb.Root.SysOps.Setattr(ctx, t.rel, attr)
}

func (v *VFS) Fsetattr(ctx context.Context, f *File, attr *Attr) error {
	st, err := f.Ops.Fstat(ctx, f)
	if err != nil {
		return err
	}

	if err := checkSetattr(CredFrom(ctx), st, attr); err != nil {
		return errors.Wrapf(err, "fsetattr %s", f.Name)
	}

	return f.Ops.Fsetattr(ctx, f, attr)
}

// Access checks mask against path for the credential in ctx.
func (v *VFS) Access(ctx context.Context, cwd, path string, mask int) (*Stat, error) {
	st, err := v.Stat(ctx, cwd, path, true)
	if err != nil {
		return nil, err
	}

	return st, CheckPermission(CredFrom(ctx), st, mask)
}
