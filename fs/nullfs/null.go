// Package nullfs provides the "null" filesystem type whose root is the
// /dev/null character device.
package nullfs

import (
	"context"
	"time"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
	"github.com/pkg/errors"
)

// Ino is the inode number of the device. Device numbers 1:3.
const (
	Ino  = 3
	Rdev = 1<<8 | 3
)

var Type = &fs.FileSystemType{
	Name: "null",
	Mount: func(ctx context.Context, path, device string) (*fs.File, error) {
		return New().file(), nil
	},
}

type Null struct {
	fs.StandardSysOps
	fs.StandardFileOps

	mode    uint32
	created time.Time
}

func New() *Null {
	return &Null{
		mode:    linux.S_IFCHR | 0666,
		created: time.Now(),
	}
}

func (n *Null) file() *fs.File {
	return &fs.File{
		Ino:    Ino,
		Mode:   n.mode,
		SysOps: n,
		Ops:    n,
	}
}

func (n *Null) stat() *fs.Stat {
	return &fs.Stat{
		Ino:   Ino,
		Mode:  n.mode,
		Nlink: 1,
		Rdev:  Rdev,
		Atime: n.created,
		Mtime: n.created,
		Ctime: n.created,
	}
}

func (n *Null) Stat(ctx context.Context, path string) (*fs.Stat, error) {
	if path != "/" {
		return nil, errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}
	return n.stat(), nil
}

func (n *Null) Setattr(ctx context.Context, path string, attr *fs.Attr) error {
	if path != "/" {
		return errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}
	if attr.Mask&fs.AttrMode != 0 {
		n.mode = linux.S_IFCHR | attr.Mode&07777
	}
	return nil
}

func (n *Null) Open(ctx context.Context, path string, flags int, mode uint32) (*fs.File, error) {
	if path != "/" {
		return nil, errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}
	return n.file(), nil
}

func (n *Null) Read(ctx context.Context, f *fs.File, buf []byte, off int64) (int, error) {
	return 0, nil
}

func (n *Null) Write(ctx context.Context, f *fs.File, data []byte, off int64) (int, error) {
	return len(data), nil
}

func (n *Null) Lseek(ctx context.Context, f *fs.File, off int64, whence int) (int64, error) {
	f.Pos = 0
	return 0, nil
}

func (n *Null) Fstat(ctx context.Context, f *fs.File) (*fs.Stat, error) {
	return n.stat(), nil
}
