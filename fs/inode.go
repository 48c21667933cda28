package fs

import (
	"sync/atomic"
	"time"

	"github.com/evanphx/x86core/abi/linux"
)

// InodeType enumerates types of files.
type InodeType int

const (
	RegularFile InodeType = iota
	Directory
	Symlink
	Pipe
	Socket
	CharacterDevice
	BlockDevice
	Anonymous
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Pipe:
		return "pipe"
	case Socket:
		return "socket"
	case CharacterDevice:
		return "character-device"
	case BlockDevice:
		return "block-device"
	default:
		return "anonymous"
	}
}

// TypeOf classifies S_IF* mode bits.
func TypeOf(mode uint32) InodeType {
	switch mode & linux.S_IFMT {
	case linux.S_IFREG:
		return RegularFile
	case linux.S_IFDIR:
		return Directory
	case linux.S_IFLNK:
		return Symlink
	case linux.S_IFIFO:
		return Pipe
	case linux.S_IFSOCK:
		return Socket
	case linux.S_IFCHR:
		return CharacterDevice
	case linux.S_IFBLK:
		return BlockDevice
	default:
		return Anonymous
	}
}

// Stat is the metadata of one file.
type Stat struct {
	Dev   uint32
	Ino   uint32
	Mode  uint32
	Nlink uint32
	UID   int
	GID   int
	Rdev  uint32
	Size  int64

	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

func (s *Stat) Type() InodeType {
	return TypeOf(s.Mode)
}

// Linux converts s to the user layout returned by stat(2).
func (s *Stat) Linux() linux.Stat {
	return linux.Stat{
		Dev:     s.Dev,
		Ino:     s.Ino,
		Mode:    s.Mode,
		Nlink:   s.Nlink,
		Uid:     uint32(s.UID),
		Gid:     uint32(s.GID),
		Rdev:    s.Rdev,
		Size:    int32(s.Size),
		Blksize: 4096,
		Blocks:  int32((s.Size + 511) / 512),
		Atime:   int32(s.Atime.Unix()),
		Mtime:   int32(s.Mtime.Unix()),
		Ctime:   int32(s.Ctime.Unix()),
	}
}

// AttrMask selects the fields of an Attr that a setattr applies.
type AttrMask int

const (
	AttrMode AttrMask = 1 << iota
	AttrUID
	AttrGID
)

type Attr struct {
	Mask AttrMask
	Mode uint32
	UID  int
	GID  int
}

// File is an open file. One File may be shared by several descriptors
// and tasks; it is closed when the last reference goes away.
type File struct {
	// Name is the absolute path the file was opened with.
	Name  string
	Ino   uint32
	Mode  uint32
	UID   int
	GID   int
	Flags int
	Pos   int64

	SysOps SysOps
	Ops    FileOps

	// Private belongs to the filesystem that produced the file.
	Private interface{}

	refs int32

	// getdents cursor over synthesized mountpoint entries.
	mountPos   int
	nativeDone bool
}

func (f *File) IncRef() {
	atomic.AddInt32(&f.refs, 1)
}

// DecRef drops a reference and reports whether it was the last one.
func (f *File) DecRef() bool {
	return atomic.AddInt32(&f.refs, -1) == 0
}

func (f *File) Refs() int32 {
	return atomic.LoadInt32(&f.refs)
}

func (f *File) Type() InodeType {
	return TypeOf(f.Mode)
}

func (f *File) Readable() bool {
	return f.Flags&linux.O_ACCMODE != linux.O_WRONLY
}

func (f *File) Writable() bool {
	return f.Flags&linux.O_ACCMODE != linux.O_RDONLY
}
