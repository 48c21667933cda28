package linux

import "encoding/binary"

// Sigaction is the user layout read by sigaction(2).
type Sigaction struct {
	Handler  uint32
	Flags    uint32
	Restorer uint32
	Mask     uint32
}

// Siginfo is pushed on the user stack for SA_SIGINFO handlers.
type Siginfo struct {
	Signo  int32
	Errno  int32
	Code   int32
	Pid    int32
	Uid    int32
	Status int32
	Addr   uint32
	Value  int32
	Band   int32
}

var SiginfoSize = binary.Size(Siginfo{})

type Timespec struct {
	Sec  int32
	Nsec int32
}

type Timeval struct {
	Sec  int32
	Usec int32
}

type Itimerval struct {
	Interval Timeval
	Value    Timeval
}

type Stat struct {
	Dev     uint32
	Ino     uint32
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint32
	Size    int32
	Blksize int32
	Blocks  int32
	Atime   int32
	Mtime   int32
	Ctime   int32
}

type Utsname struct {
	Sysname  [65]byte
	Nodename [65]byte
	Release  [65]byte
	Version  [65]byte
	Machine  [65]byte
}

// MmapArgs is the argument block mmap(2) reads from user memory.
type MmapArgs struct {
	Addr   uint32
	Len    uint32
	Prot   uint32
	Flags  uint32
	Fd     int32
	Offset uint32
}

type SchedParam struct {
	Priority    int32
	Period      int32
	Deadline    int32
	ArrivalTime int32
	IsPeriodic  int32
}

const NCCS = 19

type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Line  uint8
	Cc    [NCCS]uint8
}

// Termios local flags.
const (
	ISIG   = 0x0001
	ICANON = 0x0002
	ECHO   = 0x0008
)

// Control character slots.
const (
	VINTR  = 0
	VQUIT  = 1
	VERASE = 2
	VKILL  = 3
	VEOF   = 4
	VSUSP  = 10
)

func DefaultTermios() Termios {
	t := Termios{
		Iflag: 0x0500,
		Oflag: 0x0005,
		Cflag: 0x00bf,
		Lflag: ISIG | ICANON | ECHO,
	}
	t.Cc[VINTR] = 0x03
	t.Cc[VQUIT] = 0x1c
	t.Cc[VERASE] = 0x7f
	t.Cc[VKILL] = 0x15
	t.Cc[VEOF] = 0x04
	t.Cc[VSUSP] = 0x1a
	return t
}

// DirentHeader precedes each name returned by getdents.
type DirentHeader struct {
	Inode  uint64
	Offset uint64
	Reclen uint16
	Type   uint8
}

var DirentHeaderSize = binary.Size(DirentHeader{})
