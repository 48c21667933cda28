package syscalls

import (
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/config"
	"github.com/evanphx/x86core/internal/testelf"
	"github.com/evanphx/x86core/memory"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

const (
	handlerAddr  = 0x08048100
	restorerAddr = 0x08048200
)

func TestScenarios(t *testing.T) {
	n := neko.Modern(t)

	n.It("execs /bin/init with its arguments on the stack", func(t *testing.T) {
		k, m := boot(t, config.SchedRoundRobin)

		elf := testelf.Simple([]byte{0x90, 0x90}, []byte("data"), 0)
		require.NoError(t, k.Root.WriteFile("/bin/init", elf, 0755))

		path := storeString(t, m, scratch, "/bin/init")
		argv := storeWords(t, m, scratch+0x100, path, 0)
		envp := storeWords(t, m, scratch+0x200, 0)

		sys(t, m, linux.SYS_EXECVE, path, argv, envp)

		regs := m.Regs()
		require.Equal(t, uint32(0x08048000), regs.EIP)

		esp := regs.UserESP

		argc, err := m.Load32(esp)
		require.NoError(t, err)
		require.Equal(t, uint32(1), argc)

		argvAddr, err := m.Load32(esp + 4)
		require.NoError(t, err)

		envpAddr, err := m.Load32(esp + 8)
		require.NoError(t, err)
		require.Equal(t, argvAddr+8, envpAddr)

		env0, err := m.Load32(envpAddr)
		require.NoError(t, err)
		require.Equal(t, uint32(0), env0)

		arg0, err := m.Load32(argvAddr)
		require.NoError(t, err)

		str := make([]byte, 10)
		require.NoError(t, m.Load(arg0, str))
		require.Equal(t, []byte{'/', 'b', 'i', 'n', '/', 'i', 'n', 'i', 't', 0}, str)
	})

	n.It("copies a page on the first write after fork", func(t *testing.T) {
		k, m := boot(t, config.SchedRoundRobin)
		init := k.Init()
		zone := k.Alloc.Zone(memory.ZoneHighUser)

		p := uint32(scratch)
		require.NoError(t, m.Store32(p, 0x11))

		before := zone.FreePages()

		pid := sys(t, m, linux.SYS_FORK)
		require.True(t, pid > 1)

		child := m.Current()
		require.Equal(t, int(pid), child.Pid)
		require.Equal(t, uint32(0), m.Regs().EAX)

		require.NoError(t, m.Store32(p, 0x22))

		m.Become(init)
		v, err := m.Load32(p)
		require.NoError(t, err)
		require.Equal(t, uint32(0x11), v)

		m.Become(child)
		v, err = m.Load32(p)
		require.NoError(t, err)
		require.Equal(t, uint32(0x22), v)

		require.Equal(t, before-1, zone.FreePages())
	})

	n.It("runs a handler once and restores the mask on return", func(t *testing.T) {
		k, m := boot(t, config.SchedRoundRobin)
		init := k.Init()

		act := linux.Sigaction{Handler: handlerAddr, Restorer: restorerAddr}
		require.NoError(t, init.CopyOut(scratch, act))

		require.Equal(t, int32(0), sys(t, m, linux.SYS_SIGACTION, uint32(linux.SIGTERM), scratch, 0))

		require.Equal(t, int32(0), sys(t, m, linux.SYS_SIGPROCMASK, linux.SIG_SETMASK, 0, scratch+0x40))
		before, err := m.Load32(scratch + 0x40)
		require.NoError(t, err)

		require.Equal(t, int32(0), sys(t, m, linux.SYS_KILL, uint32(init.Pid), uint32(linux.SIGTERM)))

		resume := init.Thread.Regs.EIP

		require.Equal(t, uint32(handlerAddr), m.Regs().EIP)
		require.True(t, init.Blocked().Has(linux.SIGTERM))

		require.NoError(t, m.ReturnFromHandler())

		require.Equal(t, resume, m.Regs().EIP)
		require.False(t, init.Pending().Has(linux.SIGTERM))

		require.Equal(t, int32(0), sys(t, m, linux.SYS_SIGPROCMASK, linux.SIG_SETMASK, 0, scratch+0x40))
		after, err := m.Load32(scratch + 0x40)
		require.NoError(t, err)
		require.Equal(t, before, after)

		require.NotEqual(t, uint32(handlerAddr), m.Regs().EIP)
		require.Equal(t, init, m.Current())
	})

	n.It("lists a mount point the directory does not contain", func(t *testing.T) {
		k, m := boot(t, config.SchedRoundRobin)

		_, err := k.Root.Stat(k.Init().Context(), "/dev/null")
		require.Error(t, err)

		path := storeString(t, m, scratch, "/dev")

		fd := sys(t, m, linux.SYS_OPEN, path, linux.O_RDONLY|linux.O_DIRECTORY, 0)
		require.True(t, fd >= 0)

		names := readDir(t, m, uint32(fd))
		require.Contains(t, names, "null")
		require.Contains(t, names, "console")
	})

	n.It("rejects a second periodic task under rate monotonic", func(t *testing.T) {
		k, m := boot(t, config.SchedRM)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		param := linux.SchedParam{IsPeriodic: 1, Period: 100}
		require.NoError(t, init.CopyOut(scratch, param))

		require.Equal(t, int32(0), sys(t, m, linux.SYS_SCHED_SETPARAM, 0, scratch))
		init.Se.ExecRuntime = 60
		require.Equal(t, int32(0), sys(t, m, linux.SYS_WAITPERIOD))

		m.Become(c)
		require.NoError(t, c.CopyOut(scratch, param))

		require.Equal(t, int32(0), sys(t, m, linux.SYS_SCHED_SETPARAM, 0, scratch))
		c.Se.ExecRuntime = 60
		require.Equal(t, abi.ENOTSCHEDULABLE.Ret(), sys(t, m, linux.SYS_WAITPERIOD))

		require.Equal(t, 1, k.Sched.NumPeriodic())
	})

	n.It("reaps a zombie exactly once", func(t *testing.T) {
		k, m := boot(t, config.SchedRoundRobin)
		init := k.Init()

		pid := sys(t, m, linux.SYS_FORK)
		require.Equal(t, int(pid), m.Current().Pid)

		sys(t, m, linux.SYS_EXIT, 7)
		require.Equal(t, init, m.Current())

		require.Equal(t, pid, sys(t, m, linux.SYS_WAITPID, uint32(pid), scratch, 0))

		st, err := m.Load32(scratch)
		require.NoError(t, err)
		require.Equal(t, uint32(7), st>>8)

		require.Equal(t, abi.ECHILD.Ret(), sys(t, m, linux.SYS_WAITPID, u32(-1), 0, linux.WNOHANG))
	})

	n.It("blocks waitpid until the child exits", func(t *testing.T) {
		k, m := boot(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		_, done := m.Syscall(linux.SYS_WAITPID, uint32(c.Pid), scratch, 0)
		require.False(t, done)
		require.Equal(t, c, m.Current())

		sys(t, m, linux.SYS_EXIT, 3)
		require.Equal(t, init, m.Current())

		r, done := m.Restart()
		require.True(t, done)
		require.Equal(t, int32(c.Pid), r)

		st, err := m.Load32(scratch)
		require.NoError(t, err)
		require.Equal(t, uint32(3<<8), st)
	})

	n.Meow()
}
