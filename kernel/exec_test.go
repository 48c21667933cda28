package kernel

import (
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/config"
	"github.com/evanphx/x86core/internal/testelf"
	"github.com/evanphx/x86core/memory"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

var (
	testCode = []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xcd, 0x80}
	testData = []byte("greetings")
)

func installBinary(t *testing.T, k *Kernel, path string, mode uint32) {
	t.Helper()
	require.NoError(t, k.Root.WriteFile(path, testelf.Simple(testCode, testData, 32), mode))
}

func TestExec(t *testing.T) {
	n := neko.Modern(t)

	n.It("starts init from the configured path", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		installBinary(t, k, "/bin/init", 0755)

		old := k.Init().MM()

		require.NoError(t, k.StartInit([]string{"init", "-s"}, []string{"HOME=/", "TERM=vt100"}))
		m.Reload()

		init := k.Init()
		mm := init.MM()

		require.NotEqual(t, old, mm)
		require.Equal(t, mm.Dir.PhysAddr(), k.MMU.CR3())
		require.Equal(t, "init", init.Name)

		regs := m.Regs()
		require.Equal(t, uint32(0x08048000), regs.EIP)
		require.True(t, regs.UserMode())
		require.Equal(t, uint32(0), regs.UserESP&0xf)

		code := make([]byte, len(testCode))
		require.NoError(t, m.Load(0x08048000, code))
		require.Equal(t, testCode, code)

		data := make([]byte, len(testData)+4)
		require.NoError(t, m.Load(0x08049000, data))
		require.Equal(t, string(testData), string(data[:len(testData)]))
		require.Equal(t, []byte{0, 0, 0, 0}, data[len(testData):])

		require.Equal(t, uint32(0x08048000), mm.StartCode)
		require.Equal(t, uint32(0x08049000), mm.StartData)
		require.Equal(t, uint32(0x0804A000), mm.StartBrk)
		require.Equal(t, mm.StartBrk, mm.Brk)
	})

	n.It("lays out argc, argv and envp on the stack", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		installBinary(t, k, "/bin/init", 0755)

		require.NoError(t, k.StartInit([]string{"init", "-s"}, []string{"HOME=/"}))
		m.Reload()

		init := k.Init()
		esp := m.Regs().UserESP

		argc, err := m.Load32(esp)
		require.NoError(t, err)
		require.Equal(t, uint32(2), argc)

		argvAddr, err := m.Load32(esp + 4)
		require.NoError(t, err)
		require.Equal(t, esp+12, argvAddr)

		envpAddr, err := m.Load32(esp + 8)
		require.NoError(t, err)
		require.Equal(t, argvAddr+12, envpAddr)

		argv, err := init.ReadStringArray(argvAddr)
		require.NoError(t, err)
		require.Equal(t, []string{"init", "-s"}, argv)

		envp, err := init.ReadStringArray(envpAddr)
		require.NoError(t, err)
		require.Equal(t, []string{"HOME=/"}, envp)

		mm := init.MM()
		require.True(t, mm.EnvStart < mm.ArgStart)
		require.Equal(t, uint32(memory.ProcAreaEnd), mm.ArgEnd)
	})

	n.It("resets caught signals but keeps ignored ones", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		installBinary(t, k, "/bin/prog", 0755)

		c := forkN(t, k, m, 1)[0]

		_, err := c.Sigaction(linux.SIGUSR1, &linux.Sigaction{Handler: testHandler, Restorer: testRestorer})
		require.NoError(t, err)
		_, err = c.Sigaction(linux.SIGUSR2, &linux.Sigaction{Handler: linux.SIG_IGN})
		require.NoError(t, err)

		m.Become(c)
		require.NoError(t, c.Execve(c.Context(), "/bin/prog", []string{"prog"}, nil, m.Regs()))

		usr1, _ := c.Sigaction(linux.SIGUSR1, nil)
		usr2, _ := c.Sigaction(linux.SIGUSR2, nil)

		require.Equal(t, uint32(linux.SIG_DFL), usr1.Handler)
		require.Equal(t, uint32(linux.SIG_IGN), usr2.Handler)
		require.Equal(t, "prog", c.Name)
		require.False(t, c.Thread.FPUUsed)
	})

	n.It("closes close-on-exec descriptors", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		installBinary(t, k, "/bin/prog", 0755)

		c := forkN(t, k, m, 1)[0]
		require.NoError(t, c.Files().SetFlags(2, linux.FD_CLOEXEC))

		var frame arch.Regs
		require.NoError(t, c.Execve(c.Context(), "/bin/prog", []string{"prog"}, nil, &frame))
		require.Equal(t, uint32(0x08048000), frame.EIP)

		_, ok := c.GetFile(2)
		require.False(t, ok)

		_, ok = c.GetFile(1)
		require.True(t, ok)
	})

	n.It("applies the setuid bit", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		installBinary(t, k, "/bin/su", 0755|linux.S_ISUID)

		c := forkN(t, k, m, 1)[0]
		c.Cred = Credentials{UID: 1000, GID: 1000, EUID: 1000, EGID: 1000, SUID: 1000, SGID: 1000}

		var frame arch.Regs
		require.NoError(t, c.Execve(c.Context(), "/bin/su", []string{"su"}, nil, &frame))

		require.Equal(t, 1000, c.Cred.UID)
		require.Equal(t, 0, c.Cred.EUID)
		require.Equal(t, 0, c.Cred.SUID)
	})

	n.It("leaves the task alone when exec fails", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		require.NoError(t, k.Root.WriteFile("/bin/script", []byte("#!/bin/sh\n"), 0755))
		require.NoError(t, k.Root.WriteFile("/bin/data", []byte("data"), 0644))

		c := forkN(t, k, m, 1)[0]
		old := c.MM()
		frame := c.Thread.Regs

		err := c.Execve(c.Context(), "/bin/missing", nil, nil, &frame)
		require.Equal(t, abi.ENOENT, abi.FromError(err))

		err = c.Execve(c.Context(), "/bin/script", nil, nil, &frame)
		require.Equal(t, abi.ENOEXEC, abi.FromError(err))

		err = c.Execve(c.Context(), "/bin", nil, nil, &frame)
		require.Equal(t, abi.EACCES, abi.FromError(err))

		c.Cred = Credentials{UID: 1000, EUID: 1000}
		err = c.Execve(c.Context(), "/bin/data", nil, nil, &frame)
		require.Equal(t, abi.EACCES, abi.FromError(err))

		require.Equal(t, old, c.MM())
		require.Equal(t, c.Thread.Regs, frame)
	})

	n.It("rejects oversized argument lists", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		installBinary(t, k, "/bin/prog", 0755)

		c := forkN(t, k, m, 1)[0]

		var frame arch.Regs
		err := c.Execve(c.Context(), "/bin/prog", make([]string, MaxArgs+1), nil, &frame)
		require.Equal(t, abi.E2BIG, abi.FromError(err))
	})

	n.Meow()
}
