package kernel

import (
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/config"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestFork(t *testing.T) {
	n := neko.Modern(t)

	n.It("copies the parent into a new task", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		m.Regs().EAX = 77
		m.Regs().EBX = 5

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		require.Equal(t, 2, c.Pid)
		require.Equal(t, init, c.Parent())
		require.Equal(t, []*Task{c}, init.Children())
		require.Equal(t, init.Pgid, c.Pgid)
		require.Equal(t, init.Sid, c.Sid)
		require.Equal(t, init.Cwd, c.Cwd)
		require.Equal(t, TaskRunning, c.State())

		require.Equal(t, uint32(0), c.Thread.Regs.EAX)
		require.Equal(t, uint32(5), c.Thread.Regs.EBX)

		require.Equal(t, 3, c.Files().Len())
		require.NotEqual(t, init.MM().Dir.PhysAddr(), c.MM().Dir.PhysAddr())

		require.Equal(t, 2, k.Sched.NumActive())
		found, ok := k.Task(c.Pid)
		require.True(t, ok)
		require.Equal(t, c, found)
	})

	n.It("keeps the blocked mask and drops pending signals", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		set := linux.SignalSetOf(linux.SIGUSR1)
		_, err := init.Sigprocmask(linux.SIG_BLOCK, &set)
		require.NoError(t, err)

		require.NoError(t, k.SendSignal(init, linux.SIGUSR1, nil))

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		require.True(t, c.Blocked().Has(linux.SIGUSR1))
		require.Equal(t, linux.SignalSet(0), c.Pending())
		require.Equal(t, 0, c.PendingCount())
	})

	n.It("fails when the pid space is exhausted", func(t *testing.T) {
		cfg := config.Default()
		cfg.MaxProcesses = 3
		cfg.LogLevel = "error"

		k, err := Boot(cfg, nil)
		require.NoError(t, err)

		m := NewMachine(k)
		init := k.Init()

		_, err = init.Fork(m.Regs())
		require.NoError(t, err)
		_, err = init.Fork(m.Regs())
		require.NoError(t, err)

		_, err = init.Fork(m.Regs())
		require.Equal(t, abi.EAGAIN, abi.FromError(err))
	})

	n.Meow()
}

func TestExitAndWait(t *testing.T) {
	n := neko.Modern(t)

	n.It("reaps an exited child", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		c.Exit(ExitStatus{Code: 7})
		require.Equal(t, TaskZombie, c.State())
		require.Nil(t, c.MM())
		require.Equal(t, 0, c.Files().Len())

		require.True(t, init.Pending().Has(linux.SIGCHLD))

		pid, status, err := init.Waitpid(-1, 0)
		require.NoError(t, err)
		require.Equal(t, c.Pid, pid)
		require.Equal(t, int32(7<<8), status)

		require.Equal(t, TaskDead, c.State())
		require.Empty(t, init.Children())

		_, ok := k.Task(c.Pid)
		require.False(t, ok)
		require.False(t, k.pids.InUse(c.Pid))
	})

	n.It("encodes the killing signal in the status", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		c.Exit(ExitStatus{Code: linux.SIGSEGV.ExitCode(), Signo: linux.SIGSEGV})

		_, status, err := init.Waitpid(c.Pid, 0)
		require.NoError(t, err)
		require.Equal(t, int32(139<<8|11), status)
	})

	n.It("sleeps until a child exits and then restarts", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		_, _, err = init.Waitpid(-1, 0)
		require.Equal(t, abi.ERESTARTSYS, err)
		require.Equal(t, TaskUninterruptible, init.State())

		c.Exit(ExitStatus{Code: 3})
		require.Equal(t, TaskRunning, init.State())

		pid, status, err := init.Waitpid(-1, 0)
		require.NoError(t, err)
		require.Equal(t, c.Pid, pid)
		require.Equal(t, int32(3<<8), status)
	})

	n.It("returns at once with WNOHANG", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Fork(m.Regs())
		require.NoError(t, err)

		pid, _, err := init.Waitpid(-1, linux.WNOHANG)
		require.NoError(t, err)
		require.Equal(t, 0, pid)
		require.Equal(t, TaskRunning, init.State())
	})

	n.It("fails without a matching child", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)

		_, _, err := k.Init().Waitpid(-1, 0)
		require.Equal(t, abi.ECHILD, abi.FromError(err))

		_, _, err = k.Init().Waitpid(42, 0)
		require.Equal(t, abi.ECHILD, abi.FromError(err))

		_, _, err = k.Init().Waitpid(-1, 0x100)
		require.Equal(t, abi.EINVAL, abi.FromError(err))
	})

	n.It("hands orphans to init", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		gc, err := c.Fork(m.Regs())
		require.NoError(t, err)
		require.Equal(t, c, gc.Parent())

		c.Exit(ExitStatus{})

		require.Equal(t, init, gc.Parent())
		require.Contains(t, init.Children(), gc)
	})

	n.It("releases the pid only when reaped", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		c.Exit(ExitStatus{})
		require.True(t, k.pids.InUse(c.Pid))

		init.ReapZombies()
		require.False(t, k.pids.InUse(c.Pid))
	})

	n.Meow()
}

func TestPidBitmap(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands out pids next-fit and wraps", func(t *testing.T) {
		b := NewPidBitmap(4)

		for want := 1; want <= 4; want++ {
			pid, err := b.Alloc()
			require.NoError(t, err)
			require.Equal(t, want, pid)
		}

		_, err := b.Alloc()
		require.Equal(t, ErrNoPids, err)

		b.Free(2)
		require.False(t, b.InUse(2))
		require.Equal(t, 3, b.Used())

		pid, err := b.Alloc()
		require.NoError(t, err)
		require.Equal(t, 2, pid)
	})

	n.It("ignores frees of unused pids", func(t *testing.T) {
		b := NewPidBitmap(8)

		b.Free(0)
		b.Free(3)
		b.Free(9)

		require.Equal(t, 0, b.Used())
	})

	n.Meow()
}

func TestProcessGroups(t *testing.T) {
	n := neko.Modern(t)

	n.It("moves a child into its own group", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		require.NoError(t, init.Setpgid(c.Pid, 0))
		require.Equal(t, c.Pid, c.Pgid)

		require.Equal(t, []*Task{c}, k.Group(c.Pid))

		pgid, err := init.Getpgid(c.Pid)
		require.NoError(t, err)
		require.Equal(t, c.Pid, pgid)
	})

	n.It("starts a session for a non leader", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Setsid()
		require.Equal(t, abi.EPERM, abi.FromError(err))

		c, err := init.Fork(m.Regs())
		require.NoError(t, err)

		sid, err := c.Setsid()
		require.NoError(t, err)
		require.Equal(t, c.Pid, sid)
		require.Equal(t, c.Pid, c.Pgid)

		got, err := init.Getsid(c.Pid)
		require.NoError(t, err)
		require.Equal(t, c.Pid, got)
	})

	n.Meow()
}
