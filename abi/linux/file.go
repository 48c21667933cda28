package linux

const (
	O_RDONLY    = 00
	O_WRONLY    = 01
	O_RDWR      = 02
	O_ACCMODE   = 03
	O_CREAT     = 0100
	O_EXCL      = 0200
	O_NOCTTY    = 0400
	O_TRUNC     = 01000
	O_APPEND    = 02000
	O_NONBLOCK  = 04000
	O_DIRECTORY = 0200000
	O_NOFOLLOW  = 0400000
	O_CLOEXEC   = 02000000
)

const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000
	S_IFREG  = 0100000
	S_IFBLK  = 0060000
	S_IFDIR  = 0040000
	S_IFCHR  = 0020000
	S_IFIFO  = 0010000

	S_ISUID = 04000
	S_ISGID = 02000
	S_ISVTX = 01000

	S_IRWXU = 00700
	S_IRUSR = 00400
	S_IWUSR = 00200
	S_IXUSR = 00100
	S_IRWXG = 00070
	S_IRWXO = 00007
)

func S_ISDIR(m uint32) bool { return m&S_IFMT == S_IFDIR }
func S_ISREG(m uint32) bool { return m&S_IFMT == S_IFREG }
func S_ISLNK(m uint32) bool { return m&S_IFMT == S_IFLNK }
func S_ISCHR(m uint32) bool { return m&S_IFMT == S_IFCHR }

// Directory entry types.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
)

// DirentType converts mode bits into a DT_ value.
func DirentType(mode uint32) uint8 {
	switch mode & S_IFMT {
	case S_IFDIR:
		return DT_DIR
	case S_IFREG:
		return DT_REG
	case S_IFLNK:
		return DT_LNK
	case S_IFCHR:
		return DT_CHR
	case S_IFBLK:
		return DT_BLK
	case S_IFIFO:
		return DT_FIFO
	case S_IFSOCK:
		return DT_SOCK
	}
	return DT_UNKNOWN
}

const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

const (
	F_DUPFD = 0
	F_GETFD = 1
	F_SETFD = 2
	F_GETFL = 3
	F_SETFL = 4

	FD_CLOEXEC = 1
)

// Access modes passed to permission checks.
const (
	MAY_EXEC  = 1
	MAY_WRITE = 2
	MAY_READ  = 4
)

const (
	WNOHANG   = 1
	WUNTRACED = 2
)

const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4

	MAP_SHARED    = 0x01
	MAP_PRIVATE   = 0x02
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20

	MAP_FAILED = 0xffffffff
)

const (
	ITIMER_REAL    = 0
	ITIMER_VIRTUAL = 1
	ITIMER_PROF    = 2
)

const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
	TIOCGWINSZ = 0x5413
)

const (
	LINUX_REBOOT_MAGIC1 = 0xfee1dead
	LINUX_REBOOT_MAGIC2 = 672274793

	LINUX_REBOOT_CMD_RESTART   = 0x01234567
	LINUX_REBOOT_CMD_HALT      = 0xCDEF0123
	LINUX_REBOOT_CMD_POWER_OFF = 0x4321FEDC
)

const PATH_MAX = 4096
