// Package hostfs exposes a host directory read-only.
package hostfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var Type = &fs.FileSystemType{
	Name: "hostfs",
	Mount: func(ctx context.Context, path, device string) (*fs.File, error) {
		h, err := NewHostFS(device)
		if err != nil {
			return nil, err
		}
		return h.Root()
	},
}

type HostFS struct {
	fs.StandardSysOps
	fs.StandardFileOps

	base string
}

func NewHostFS(path string) (*HostFS, error) {
	log.L.Trace("creating host fs", "path", path)

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		log.L.Error("error stating hostfs path", "error", err)
		return nil, errors.Wrapf(convert(err), "hostfs %s", path)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, errors.Wrapf(fs.ErrNotDirectory, "hostfs %s", path)
	}

	return &HostFS{base: path}, nil
}

func convert(err error) error {
	switch {
	case os.IsNotExist(err):
		return fs.ErrUnknownPath
	case os.IsPermission(err):
		return fs.ErrPermission
	}

	if e, ok := err.(unix.Errno); ok {
		switch e {
		case unix.ENOTDIR:
			return fs.ErrNotDirectory
		case unix.ELOOP:
			return fs.ErrLoop
		}
	}

	return err
}

func (h *HostFS) host(path string) string {
	return filepath.Join(h.base, filepath.Clean("/"+path))
}

func timespec(ts unix.Timespec) time.Time {
	sec, nsec := ts.Unix()
	return time.Unix(sec, nsec)
}

func (h *HostFS) lstat(path string) (*fs.Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(h.host(path), &st); err != nil {
		return nil, errors.Wrapf(convert(err), "%s", path)
	}

	return &fs.Stat{
		Ino:   uint32(st.Ino),
		Mode:  uint32(st.Mode),
		Nlink: uint32(st.Nlink),
		UID:   int(st.Uid),
		GID:   int(st.Gid),
		Rdev:  uint32(st.Rdev),
		Size:  st.Size,
		Atime: timespec(st.Atim),
		Mtime: timespec(st.Mtim),
		Ctime: timespec(st.Ctim),
	}, nil
}

func (h *HostFS) file(path string, st *fs.Stat) *fs.File {
	return &fs.File{
		Ino:     st.Ino,
		Mode:    st.Mode,
		UID:     st.UID,
		GID:     st.GID,
		SysOps:  h,
		Ops:     h,
		Private: path,
	}
}

func (h *HostFS) Root() (*fs.File, error) {
	st, err := h.lstat("/")
	if err != nil {
		return nil, err
	}
	return h.file("/", st), nil
}

func (h *HostFS) Mkdir(ctx context.Context, path string, mode uint32) error {
	return fs.ErrReadOnly
}

func (h *HostFS) Rmdir(ctx context.Context, path string) error {
	return fs.ErrReadOnly
}

func (h *HostFS) Creat(ctx context.Context, path string, mode uint32) (*fs.File, error) {
	return nil, fs.ErrReadOnly
}

func (h *HostFS) Symlink(ctx context.Context, target, path string) error {
	return fs.ErrReadOnly
}

func (h *HostFS) Setattr(ctx context.Context, path string, attr *fs.Attr) error {
	return fs.ErrReadOnly
}

func (h *HostFS) Stat(ctx context.Context, path string) (*fs.Stat, error) {
	return h.lstat(path)
}

func (h *HostFS) Open(ctx context.Context, path string, flags int, mode uint32) (*fs.File, error) {
	if flags&(unix.O_WRONLY|unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC) != 0 {
		return nil, fs.ErrReadOnly
	}

	st, err := h.lstat(path)
	if err != nil {
		return nil, err
	}

	return h.file(path, st), nil
}

func (h *HostFS) Unlink(ctx context.Context, path string) error {
	return fs.ErrReadOnly
}

func (h *HostFS) Readlink(ctx context.Context, path string) (string, error) {
	target, err := os.Readlink(h.host(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fs.ErrUnknownPath
		}
		return "", fs.ErrNotSymlink
	}
	return target, nil
}

func (h *HostFS) Read(ctx context.Context, f *fs.File, buf []byte, off int64) (int, error) {
	hf, err := os.Open(h.host(f.Private.(string)))
	if err != nil {
		return 0, convert(err)
	}
	defer hf.Close()

	n, err := hf.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, convert(err)
	}

	return n, nil
}

func (h *HostFS) Write(ctx context.Context, f *fs.File, data []byte, off int64) (int, error) {
	return 0, fs.ErrReadOnly
}

func (h *HostFS) Lseek(ctx context.Context, f *fs.File, off int64, whence int) (int64, error) {
	st, err := h.lstat(f.Private.(string))
	if err != nil {
		return 0, err
	}
	return fs.GenericLseek(f, off, whence, st.Size)
}

func (h *HostFS) Fstat(ctx context.Context, f *fs.File) (*fs.Stat, error) {
	return h.lstat(f.Private.(string))
}

func (h *HostFS) Getdents(ctx context.Context, f *fs.File, off int, emit func(d fs.Dirent) bool) (int, error) {
	dir := f.Private.(string)

	log.L.Trace("readdir on host fs", "dir", dir, "offset", off)

	ents, err := os.ReadDir(h.host(dir))
	if err != nil {
		return 0, convert(err)
	}

	if off >= len(ents) {
		return 0, nil
	}

	count := 0
	for _, ent := range ents[off:] {
		st, err := h.lstat(filepath.Join(dir, ent.Name()))
		if err != nil {
			// Vanished between the listing and the stat.
			count++
			continue
		}

		d := fs.Dirent{
			Ino:  st.Ino,
			Type: linux.DirentType(st.Mode),
			Name: ent.Name(),
		}

		if !emit(d) {
			break
		}
		count++
	}

	return count, nil
}

func (h *HostFS) Fsetattr(ctx context.Context, f *fs.File, attr *fs.Attr) error {
	return fs.ErrReadOnly
}
