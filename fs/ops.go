package fs

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/pkg/errors"
)

// SysOps are the pathname level operations of a filesystem. Paths are
// relative to the mount point and always start with "/".
type SysOps interface {
	Mkdir(ctx context.Context, path string, mode uint32) error
	Rmdir(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (*Stat, error)
	Creat(ctx context.Context, path string, mode uint32) (*File, error)
	Symlink(ctx context.Context, target, path string) error
	Setattr(ctx context.Context, path string, attr *Attr) error
}

// FileOps are the handle level operations. Open, Unlink and Readlink are
// called on the root file of a superblock with a relative path.
type FileOps interface {
	Open(ctx context.Context, path string, flags int, mode uint32) (*File, error)
	Unlink(ctx context.Context, path string) error
	Readlink(ctx context.Context, path string) (string, error)

	Close(ctx context.Context, f *File) error
	Read(ctx context.Context, f *File, buf []byte, off int64) (int, error)
	Write(ctx context.Context, f *File, data []byte, off int64) (int, error)
	Lseek(ctx context.Context, f *File, off int64, whence int) (int64, error)
	Fstat(ctx context.Context, f *File) (*Stat, error)
	Ioctl(ctx context.Context, f *File, req, arg uint32) (int32, error)
	// Getdents passes entries from index off to emit until emit returns
	// false, and returns how many were accepted.
	Getdents(ctx context.Context, f *File, off int, emit func(d Dirent) bool) (int, error)
	Fsetattr(ctx context.Context, f *File, attr *Attr) error
}

// StandardSysOps can be embedded by filesystems that implement only part
// of SysOps.
type StandardSysOps struct{}

func (_ StandardSysOps) Mkdir(ctx context.Context, path string, mode uint32) error {
	return ErrNotImplemented
}

func (_ StandardSysOps) Rmdir(ctx context.Context, path string) error {
	return ErrNotImplemented
}

func (_ StandardSysOps) Stat(ctx context.Context, path string) (*Stat, error) {
	return nil, ErrNotImplemented
}

func (_ StandardSysOps) Creat(ctx context.Context, path string, mode uint32) (*File, error) {
	return nil, ErrNotImplemented
}

func (_ StandardSysOps) Symlink(ctx context.Context, target, path string) error {
	return ErrNotImplemented
}

func (_ StandardSysOps) Setattr(ctx context.Context, path string, attr *Attr) error {
	return ErrNotImplemented
}

type StandardFileOps struct{}

func (_ StandardFileOps) Open(ctx context.Context, path string, flags int, mode uint32) (*File, error) {
	return nil, ErrNotImplemented
}

func (_ StandardFileOps) Unlink(ctx context.Context, path string) error {
	return ErrNotImplemented
}

func (_ StandardFileOps) Readlink(ctx context.Context, path string) (string, error) {
	return "", ErrNotSymlink
}

func (_ StandardFileOps) Close(ctx context.Context, f *File) error {
	return nil
}

func (_ StandardFileOps) Read(ctx context.Context, f *File, buf []byte, off int64) (int, error) {
	return 0, ErrNotImplemented
}

func (_ StandardFileOps) Write(ctx context.Context, f *File, data []byte, off int64) (int, error) {
	return 0, ErrNotImplemented
}

func (_ StandardFileOps) Lseek(ctx context.Context, f *File, off int64, whence int) (int64, error) {
	return 0, ErrNotImplemented
}

func (_ StandardFileOps) Fstat(ctx context.Context, f *File) (*Stat, error) {
	return nil, ErrNotImplemented
}

func (_ StandardFileOps) Ioctl(ctx context.Context, f *File, req, arg uint32) (int32, error) {
	return 0, ErrNotTTY
}

func (_ StandardFileOps) Getdents(ctx context.Context, f *File, off int, emit func(d Dirent) bool) (int, error) {
	return 0, ErrNotImplemented
}

func (_ StandardFileOps) Fsetattr(ctx context.Context, f *File, attr *Attr) error {
	return ErrNotImplemented
}

// GenericLseek computes a new position for files of a known size.
func GenericLseek(f *File, off int64, whence int, size int64) (int64, error) {
	var pos int64

	switch whence {
	case linux.SEEK_SET:
		pos = off
	case linux.SEEK_CUR:
		pos = f.Pos + off
	case linux.SEEK_END:
		pos = size + off
	default:
		return 0, errors.Wrapf(ErrInvalid, "whence %d", whence)
	}

	if pos < 0 {
		return 0, errors.Wrapf(ErrInvalid, "negative offset %d", pos)
	}

	f.Pos = pos
	return pos, nil
}
