package kernel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/pkg/waiter"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Console device numbers 5:1.
const (
	ConsoleIno  = 5
	ConsoleRdev = 5<<8 | 1
)

// Console is the /dev/console character device. Output goes to a host
// writer; input is fed per task through FeedKeyboard.
type Console struct {
	fs.StandardSysOps
	fs.StandardFileOps

	k *Kernel
	L hclog.Logger

	mu  sync.Mutex
	out io.Writer

	// fg is the foreground process group.
	fg int

	input waiter.Waiter

	mode    uint32
	created time.Time
}

func newConsole(k *Kernel, out io.Writer) *Console {
	return &Console{
		k:       k,
		L:       log.Named("console"),
		out:     out,
		mode:    linux.S_IFCHR | 0620,
		created: time.Now(),
	}
}

// Type is the "console" filesystem type; its root is the device itself.
func (c *Console) Type() *fs.FileSystemType {
	return &fs.FileSystemType{
		Name: "console",
		Mount: func(ctx context.Context, path, device string) (*fs.File, error) {
			return c.file(), nil
		},
	}
}

func (c *Console) Foreground() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fg
}

func (c *Console) SetForeground(pgid int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fg = pgid
}

func (c *Console) file() *fs.File {
	return &fs.File{
		Ino:    ConsoleIno,
		Mode:   c.mode,
		SysOps: c,
		Ops:    c,
	}
}

func (c *Console) stat() *fs.Stat {
	return &fs.Stat{
		Ino:   ConsoleIno,
		Mode:  c.mode,
		Nlink: 1,
		Rdev:  ConsoleRdev,
		Atime: c.created,
		Mtime: c.created,
		Ctime: c.created,
	}
}

func (c *Console) Stat(ctx context.Context, path string) (*fs.Stat, error) {
	if path != "/" {
		return nil, errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}
	return c.stat(), nil
}

func (c *Console) Open(ctx context.Context, path string, flags int, mode uint32) (*fs.File, error) {
	if path != "/" {
		return nil, errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}
	return c.file(), nil
}

func (c *Console) Fstat(ctx context.Context, f *fs.File) (*fs.Stat, error) {
	return c.stat(), nil
}

func (c *Console) Lseek(ctx context.Context, f *fs.File, off int64, whence int) (int64, error) {
	return 0, abi.ESPIPE
}

func (c *Console) Write(ctx context.Context, f *fs.File, data []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.out.Write(data)
}

// Read takes bytes from the calling task's keyboard ring. In canonical
// mode only complete lines are returned. With nothing to return the task
// sleeps and the read is restarted on input.
func (c *Console) Read(ctx context.Context, f *fs.File, buf []byte, off int64) (int, error) {
	t, ok := GetTask(ctx)
	if !ok {
		return 0, nil
	}

	ring := t.keyboard
	tio := &t.termios

	if tio.Lflag&linux.ICANON == 0 {
		if !ring.Empty() {
			return ring.Read(buf), nil
		}
	} else {
		eol := ring.IndexByte('\n')
		eof := ring.IndexByte(tio.Cc[linux.VEOF])

		switch {
		case eof >= 0 && (eol < 0 || eof < eol):
			n := eof
			if n > len(buf) {
				n = len(buf)
			}
			got := ring.Read(buf[:n])
			if got == eof {
				var drop [1]byte
				ring.Read(drop[:])
			}
			return got, nil
		case eol >= 0:
			n := eol + 1
			if n > len(buf) {
				n = len(buf)
			}
			return ring.Read(buf[:n]), nil
		case ring.Full():
			return ring.Read(buf), nil
		}
	}

	t.sleepOn(&c.input, waiter.EventInput, TaskInterruptible)

	return 0, abi.ERESTARTSYS
}

func (c *Console) Ioctl(ctx context.Context, f *fs.File, req, arg uint32) (int32, error) {
	t, ok := GetTask(ctx)
	if !ok {
		return 0, abi.ENOTTY
	}

	switch req {
	case linux.TIOCGPGRP:
		return 0, t.CopyOut(arg, int32(c.Foreground()))
	case linux.TIOCSPGRP:
		var pgid int32
		if err := t.CopyIn(arg, &pgid); err != nil {
			return 0, err
		}

		members := c.k.Group(int(pgid))
		if len(members) == 0 {
			return 0, abi.ESRCH
		}
		if members[0].Sid != t.Sid {
			return 0, abi.EPERM
		}

		c.SetForeground(int(pgid))
		return 0, nil
	}

	return t.termiosIoctl(req, arg)
}

// termiosIoctl serves TCGETS and TCSETS from the task's termios.
func (t *Task) termiosIoctl(req, arg uint32) (int32, error) {
	switch req {
	case linux.TCGETS:
		return 0, t.CopyOut(arg, &t.termios)
	case linux.TCSETS, linux.TCSETSW, linux.TCSETSF:
		var tio linux.Termios
		if err := t.CopyIn(arg, &tio); err != nil {
			return 0, err
		}
		t.termios = tio
		return 0, nil
	}

	return 0, abi.ENOTTY
}

// Ioctl calls the file's ioctl. Character devices whose filesystem has none
// still answer the termios requests.
func (t *Task) Ioctl(ctx context.Context, fd int, req, arg uint32) (int32, error) {
	f, ok := t.GetFile(fd)
	if !ok {
		return 0, ErrBadFD
	}

	ret, err := t.Kernel.VFS.Ioctl(ctx, f, req, arg)
	if errors.Cause(err) == fs.ErrNotTTY && f.Type() == fs.CharacterDevice {
		return t.termiosIoctl(req, arg)
	}

	return ret, err
}

// inputTarget is the task keyboard input goes to: the foreground group
// leader, another member of the group, or the current task.
func (c *Console) inputTarget() *Task {
	k := c.k
	fg := c.Foreground()

	if t, ok := k.tasks[fg]; ok && t.Alive() && t.Pgid == fg {
		return t
	}

	if members := k.Group(fg); len(members) > 0 {
		return members[0]
	}

	return k.Current()
}

func (k *Kernel) signalGroup(pgid int, sig linux.Signal) {
	for _, t := range k.Group(pgid) {
		if err := k.SendSignal(t, sig, &linux.Siginfo{Code: linux.SI_KERNEL}); err != nil {
			k.L.Debug("tty-signal-dropped", "pid", t.Pid, "signal", sig, "error", err)
		}
	}
}

// FeedKeyboard delivers typed bytes to the console, applying the echo,
// erase and signal characters of the receiving task's termios.
func (k *Kernel) FeedKeyboard(data []byte) int {
	c := k.Console

	t := c.inputTarget()
	if t == nil {
		return 0
	}

	tio := &t.termios
	n := 0

	for _, b := range data {
		if tio.Lflag&linux.ISIG != 0 {
			var sig linux.Signal
			switch b {
			case tio.Cc[linux.VINTR]:
				sig = linux.SIGINT
			case tio.Cc[linux.VQUIT]:
				sig = linux.SIGQUIT
			case tio.Cc[linux.VSUSP]:
				sig = linux.SIGTSTP
			}

			if sig != 0 {
				c.L.Trace("tty-signal", "pgid", t.Pgid, "signal", sig)
				k.signalGroup(t.Pgid, sig)
				n++
				continue
			}
		}

		if tio.Lflag&linux.ICANON != 0 && b == tio.Cc[linux.VERASE] {
			if t.keyboard.Unwrite() && tio.Lflag&linux.ECHO != 0 {
				c.echo([]byte("\b \b"))
			}
			n++
			continue
		}

		if t.keyboard.Write([]byte{b}) == 0 {
			break
		}
		n++

		if tio.Lflag&linux.ECHO != 0 {
			c.echo([]byte{b})
		}
	}

	c.input.Notify(waiter.EventInput)

	return n
}

func (c *Console) echo(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.out.Write(b)
}
