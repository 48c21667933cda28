package kernel

import (
	"bytes"
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/config"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func bootConsole(t *testing.T) (*Kernel, *Machine, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	cfg.LogLevel = "error"

	var out bytes.Buffer

	k, err := Boot(cfg, &out)
	require.NoError(t, err)

	return k, NewMachine(k), &out
}

func consoleRead(t *testing.T, task *Task, buf []byte) (int, error) {
	t.Helper()

	f, ok := task.GetFile(0)
	require.True(t, ok)

	return task.Kernel.VFS.Read(task.Context(), f, buf)
}

func TestConsole(t *testing.T) {
	n := neko.Modern(t)

	n.It("writes to the host output", func(t *testing.T) {
		k, _, out := bootConsole(t)
		init := k.Init()

		f, ok := init.GetFile(1)
		require.True(t, ok)

		n, err := k.VFS.Write(init.Context(), f, []byte("hello\n"))
		require.NoError(t, err)
		require.Equal(t, 6, n)
		require.Equal(t, "hello\n", out.String())
	})

	n.It("returns whole lines in canonical mode", func(t *testing.T) {
		k, _, out := bootConsole(t)
		init := k.Init()

		require.Equal(t, 4, k.FeedKeyboard([]byte("ls\nx")))
		require.Equal(t, "ls\nx", out.String())

		buf := make([]byte, 16)

		n, err := consoleRead(t, init, buf)
		require.NoError(t, err)
		require.Equal(t, "ls\n", string(buf[:n]))

		_, err = consoleRead(t, init, buf)
		require.Equal(t, abi.ERESTARTSYS, err)
		require.Equal(t, TaskInterruptible, init.State())

		k.FeedKeyboard([]byte("\n"))
		require.Equal(t, TaskRunning, init.State())

		n, err = consoleRead(t, init, buf)
		require.NoError(t, err)
		require.Equal(t, "x\n", string(buf[:n]))
	})

	n.It("applies the erase character", func(t *testing.T) {
		k, _, out := bootConsole(t)

		k.FeedKeyboard([]byte("lx\x7fs\n"))
		require.Equal(t, "lx\b \bs\n", out.String())

		buf := make([]byte, 16)
		n, err := consoleRead(t, k.Init(), buf)
		require.NoError(t, err)
		require.Equal(t, "ls\n", string(buf[:n]))
	})

	n.It("returns the buffered text before end of file", func(t *testing.T) {
		k, _, _ := bootConsole(t)

		k.FeedKeyboard([]byte("ab\x04"))

		buf := make([]byte, 16)
		n, err := consoleRead(t, k.Init(), buf)
		require.NoError(t, err)
		require.Equal(t, "ab", string(buf[:n]))

		k.FeedKeyboard([]byte("\x04"))

		n, err = consoleRead(t, k.Init(), buf)
		require.NoError(t, err)
		require.Equal(t, 0, n)
	})

	n.It("reads raw bytes without canonical mode", func(t *testing.T) {
		k, _, out := bootConsole(t)
		init := k.Init()

		init.Termios().Lflag &^= linux.ICANON | linux.ECHO

		k.FeedKeyboard([]byte("q"))
		require.Empty(t, out.String())

		buf := make([]byte, 16)
		n, err := consoleRead(t, init, buf)
		require.NoError(t, err)
		require.Equal(t, "q", string(buf[:n]))
	})

	n.It("sends SIGINT to the foreground group", func(t *testing.T) {
		k, m, out := bootConsole(t)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)
		require.NoError(t, init.Setpgid(c.Pid, 0))

		k.Console.SetForeground(c.Pgid)

		k.FeedKeyboard([]byte{0x03})

		require.True(t, c.Pending().Has(linux.SIGINT))
		require.False(t, init.Pending().Has(linux.SIGINT))
		require.Empty(t, out.String())
	})

	n.Meow()
}

func TestConsoleIoctl(t *testing.T) {
	n := neko.Modern(t)

	n.It("reads and writes the termios", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Ioctl(init.Context(), 0, linux.TCGETS, stackWord)
		require.NoError(t, err)

		var tio linux.Termios
		require.NoError(t, init.CopyIn(stackWord, &tio))
		require.Equal(t, linux.DefaultTermios(), tio)

		tio.Lflag &^= linux.ECHO
		require.NoError(t, init.CopyOut(stackWord, &tio))

		_, err = init.Ioctl(init.Context(), 0, linux.TCSETS, stackWord)
		require.NoError(t, err)
		require.Equal(t, tio, *init.Termios())
	})

	n.It("reports and changes the foreground group", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Ioctl(init.Context(), 0, linux.TIOCGPGRP, stackWord)
		require.NoError(t, err)

		var pgid int32
		require.NoError(t, init.CopyIn(stackWord, &pgid))
		require.Equal(t, int32(init.Pgid), pgid)

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)
		require.NoError(t, init.Setpgid(c.Pid, 0))

		require.NoError(t, init.CopyOut(stackWord, int32(c.Pid)))
		_, err = init.Ioctl(init.Context(), 0, linux.TIOCSPGRP, stackWord)
		require.NoError(t, err)
		require.Equal(t, c.Pid, k.Console.Foreground())

		require.NoError(t, init.CopyOut(stackWord, int32(99)))
		_, err = init.Ioctl(init.Context(), 0, linux.TIOCSPGRP, stackWord)
		require.Equal(t, abi.ESRCH, err)
	})

	n.It("rejects unknown requests", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Ioctl(init.Context(), 0, 0x1234, stackWord)
		require.Equal(t, abi.ENOTTY, abi.FromError(err))

		_, err = init.Ioctl(init.Context(), 42, linux.TCGETS, stackWord)
		require.Equal(t, ErrBadFD, err)
	})

	n.Meow()
}
