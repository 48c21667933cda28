package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/config"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

const (
	testHandler  = 0x08048100
	testRestorer = 0x08048200
)

func TestSendSignal(t *testing.T) {
	n := neko.Modern(t)

	n.It("queues one record per send", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		require.NoError(t, k.SendSignal(c, linux.SIGUSR1, nil))
		require.NoError(t, k.SendSignal(c, linux.SIGUSR1, nil))
		require.NoError(t, k.SendSignal(c, linux.SIGTERM, nil))

		require.Equal(t, linux.SignalSetOf(linux.SIGUSR1, linux.SIGTERM), c.Pending())
		require.Equal(t, 3, c.PendingCount())
	})

	n.It("caps the pending queue", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		for i := 0; i < MaxPendingSignals; i++ {
			require.NoError(t, k.SendSignal(c, linux.SIGUSR1, nil))
		}

		require.Equal(t, ErrQueueFull, k.SendSignal(c, linux.SIGUSR1, nil))
	})

	n.It("drops ignored signals", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		_, err := c.Sigaction(linux.SIGUSR2, &linux.Sigaction{Handler: linux.SIG_IGN})
		require.NoError(t, err)

		require.NoError(t, k.SendSignal(c, linux.SIGUSR2, nil))
		require.Equal(t, 0, c.PendingCount())
	})

	n.It("cancels stop signals on SIGCONT", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		require.NoError(t, k.SendSignal(c, linux.SIGTSTP, nil))
		require.NoError(t, k.SendSignal(c, linux.SIGCONT, nil))

		require.False(t, c.Pending().Has(linux.SIGTSTP))
		require.True(t, c.Pending().Has(linux.SIGCONT))
	})

	n.It("wakes interruptible sleepers only", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		kids := forkN(t, k, m, 2)

		kids[0].state = TaskInterruptible
		kids[1].state = TaskUninterruptible

		require.NoError(t, k.SendSignal(kids[0], linux.SIGUSR1, nil))
		require.NoError(t, k.SendSignal(kids[1], linux.SIGUSR1, nil))

		require.Equal(t, TaskRunning, kids[0].State())
		require.Equal(t, TaskUninterruptible, kids[1].State())

		require.NoError(t, k.SendSignal(kids[1], linux.SIGKILL, nil))
		require.Equal(t, TaskRunning, kids[1].State())
	})

	n.It("leaves a sleeper alone for a default ignored signal", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		c.state = TaskInterruptible

		require.NoError(t, k.SendSignal(c, linux.SIGWINCH, nil))
		require.Equal(t, TaskInterruptible, c.State())
	})

	n.It("rejects invalid signals", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)

		require.Equal(t, abi.EINVAL, k.SendSignal(k.Init(), 0, nil))
		require.Equal(t, abi.EINVAL, k.SendSignal(k.Init(), linux.NSIG, nil))
	})

	n.Meow()
}

func TestSignalDelivery(t *testing.T) {
	n := neko.Modern(t)

	n.It("enters the handler and returns through sigreturn", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Sigaction(linux.SIGUSR1, &linux.Sigaction{
			Handler:  testHandler,
			Restorer: testRestorer,
		})
		require.NoError(t, err)

		m.Regs().EIP = 0x08048010
		m.Regs().EAX = 1234
		esp := m.Regs().UserESP

		require.NoError(t, k.SendSignal(init, linux.SIGUSR1, nil))
		k.Sched.Run(m.Regs())

		regs := m.Regs()
		require.Equal(t, uint32(testHandler), regs.EIP)
		require.Equal(t, uint32(linux.SIGUSR1), regs.EAX)
		require.True(t, regs.UserESP < esp)
		require.Equal(t, uint32(0), regs.UserESP&0xf)

		ret, err := m.Load32(regs.UserESP)
		require.NoError(t, err)
		require.Equal(t, uint32(testRestorer), ret)

		signo, err := m.Load32(regs.UserESP + 4)
		require.NoError(t, err)
		require.Equal(t, uint32(linux.SIGUSR1), signo)

		require.True(t, init.Blocked().Has(linux.SIGUSR1))
		require.Equal(t, 0, init.PendingCount())

		require.NoError(t, init.Sigreturn(m.Regs()))

		require.Equal(t, uint32(0x08048010), m.Regs().EIP)
		require.Equal(t, uint32(1234), m.Regs().EAX)
		require.Equal(t, esp, m.Regs().UserESP)
		require.False(t, init.Blocked().Has(linux.SIGUSR1))
	})

	n.It("holds a blocked signal until unblocked", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Sigaction(linux.SIGUSR1, &linux.Sigaction{Handler: testHandler, Restorer: testRestorer})
		require.NoError(t, err)

		set := linux.SignalSetOf(linux.SIGUSR1)
		_, err = init.Sigprocmask(linux.SIG_BLOCK, &set)
		require.NoError(t, err)

		require.NoError(t, k.SendSignal(init, linux.SIGUSR1, nil))
		k.Sched.Run(m.Regs())

		require.Equal(t, uint32(0), m.Regs().EIP)
		require.Equal(t, set, init.Sigpending())

		_, err = init.Sigprocmask(linux.SIG_UNBLOCK, &set)
		require.NoError(t, err)

		k.Sched.Run(m.Regs())
		require.Equal(t, uint32(testHandler), m.Regs().EIP)
	})

	n.It("delivers the lowest numbered signal first", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		for _, sig := range []linux.Signal{linux.SIGUSR2, linux.SIGHUP} {
			_, err := init.Sigaction(sig, &linux.Sigaction{Handler: testHandler, Restorer: testRestorer})
			require.NoError(t, err)
		}

		require.NoError(t, k.SendSignal(init, linux.SIGUSR2, nil))
		require.NoError(t, k.SendSignal(init, linux.SIGHUP, nil))

		k.Sched.Run(m.Regs())
		require.Equal(t, uint32(linux.SIGHUP), m.Regs().EAX)
		require.True(t, init.Pending().Has(linux.SIGUSR2))
	})

	n.It("passes siginfo with SA_SIGINFO", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		c := forkN(t, k, m, 1)[0]

		_, err := init.Sigaction(linux.SIGUSR1, &linux.Sigaction{
			Handler:  testHandler,
			Flags:    linux.SA_SIGINFO,
			Restorer: testRestorer,
		})
		require.NoError(t, err)

		require.NoError(t, c.Kill(init.Pid, linux.SIGUSR1))
		k.Sched.Run(m.Regs())

		regs := m.Regs()
		ptr, err := m.Load32(regs.UserESP + 8)
		require.NoError(t, err)
		require.Equal(t, regs.UserESP+12, ptr)

		var info linux.Siginfo
		require.NoError(t, init.CopyIn(ptr, &info))
		require.Equal(t, int32(linux.SIGUSR1), info.Signo)
		require.Equal(t, int32(linux.SI_USER), info.Code)
		require.Equal(t, int32(c.Pid), info.Pid)
	})

	n.It("encodes the handler frame words ahead of siginfo", func(t *testing.T) {
		buf, err := encodeFrame([]uint32{testRestorer, uint32(linux.SIGUSR1)}, nil)
		require.NoError(t, err)
		require.Len(t, buf, 8)
		require.Equal(t, uint32(testRestorer), binary.LittleEndian.Uint32(buf))
		require.Equal(t, uint32(linux.SIGUSR1), binary.LittleEndian.Uint32(buf[4:]))

		info := &linux.Siginfo{Signo: int32(linux.SIGUSR1), Pid: 7}
		buf, err = encodeFrame([]uint32{testRestorer, uint32(linux.SIGUSR1), 0x1000}, info)
		require.NoError(t, err)
		require.Len(t, buf, 12+linux.SiginfoSize)
		require.Equal(t, uint32(linux.SIGUSR1), binary.LittleEndian.Uint32(buf[12:]))
		require.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[24:]))
	})

	n.It("resets a SA_RESETHAND handler after delivery", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		_, err := init.Sigaction(linux.SIGUSR1, &linux.Sigaction{
			Handler:  testHandler,
			Flags:    linux.SA_RESETHAND,
			Restorer: testRestorer,
		})
		require.NoError(t, err)

		require.NoError(t, k.SendSignal(init, linux.SIGUSR1, nil))
		k.Sched.Run(m.Regs())

		old, err := init.Sigaction(linux.SIGUSR1, nil)
		require.NoError(t, err)
		require.Equal(t, uint32(linux.SIG_DFL), old.Handler)
	})

	n.It("terminates on a default fatal signal", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		c := forkN(t, k, m, 1)[0]

		m.Become(c)
		require.NoError(t, k.SendSignal(c, linux.SIGTERM, nil))
		k.Sched.Run(m.Regs())

		require.Equal(t, TaskZombie, c.State())
		require.Equal(t, linux.SIGTERM, c.ExitStatus().Signo)
		require.Equal(t, init, m.Current())
	})

	n.It("forces SIGSEGV on sigreturn without a frame", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		m.Become(c)

		err := c.Sigreturn(m.Regs())
		require.Equal(t, abi.EFAULT, abi.FromError(err))
		require.True(t, c.Pending().Has(linux.SIGSEGV))
	})

	n.Meow()
}

func TestSignalActions(t *testing.T) {
	n := neko.Modern(t)

	n.It("refuses to change SIGKILL and SIGSTOP", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		for _, sig := range []linux.Signal{linux.SIGKILL, linux.SIGSTOP} {
			_, err := init.Sigaction(sig, &linux.Sigaction{Handler: testHandler})
			require.Equal(t, abi.EINVAL, err)
		}
	})

	n.It("never blocks the unblockable signals", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		all := ^linux.SignalSet(0)
		_, err := init.Sigprocmask(linux.SIG_SETMASK, &all)
		require.NoError(t, err)

		require.False(t, init.Blocked().Has(linux.SIGKILL))
		require.False(t, init.Blocked().Has(linux.SIGSTOP))
		require.True(t, init.Blocked().Has(linux.SIGINT))

		_, err = init.Sigprocmask(99, &all)
		require.Equal(t, abi.EINVAL, err)
	})

	n.It("returns the previous handler from signal", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		old, err := init.Signal(linux.SIGINT, testHandler, testRestorer)
		require.NoError(t, err)
		require.Equal(t, uint32(linux.SIG_DFL), old)

		old, err = init.Signal(linux.SIGINT, linux.SIG_IGN, 0)
		require.NoError(t, err)
		require.Equal(t, uint32(testHandler), old)

		_, err = init.Signal(linux.SIGKILL, testHandler, 0)
		require.Equal(t, abi.EINVAL, err)
	})

	n.Meow()
}

func TestKill(t *testing.T) {
	n := neko.Modern(t)

	n.It("checks permissions", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		c := forkN(t, k, m, 1)[0]

		c.Cred = Credentials{UID: 1000, GID: 1000, EUID: 1000, EGID: 1000}

		require.Equal(t, abi.EPERM, abi.FromError(c.Kill(init.Pid, linux.SIGTERM)))
		require.Equal(t, abi.EPERM, abi.FromError(c.Kill(init.Pid, 0)))

		require.NoError(t, init.Kill(c.Pid, linux.SIGTERM))
		require.True(t, c.Pending().Has(linux.SIGTERM))
	})

	n.It("probes with signal zero", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		c := forkN(t, k, m, 1)[0]

		require.NoError(t, init.Kill(c.Pid, 0))
		require.Equal(t, 0, c.PendingCount())

		require.Equal(t, abi.ESRCH, abi.FromError(init.Kill(77, 0)))
	})

	n.It("signals a process group", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		kids := forkN(t, k, m, 3)

		require.NoError(t, init.Setpgid(kids[0].Pid, 0))
		require.NoError(t, init.Setpgid(kids[1].Pid, kids[0].Pid))

		require.NoError(t, init.Kill(-kids[0].Pid, linux.SIGUSR1))

		require.True(t, kids[0].Pending().Has(linux.SIGUSR1))
		require.True(t, kids[1].Pending().Has(linux.SIGUSR1))
		require.False(t, kids[2].Pending().Has(linux.SIGUSR1))
	})

	n.It("broadcasts to everyone but init and the caller", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		kids := forkN(t, k, m, 2)

		require.NoError(t, kids[0].Kill(-1, linux.SIGUSR1))

		require.False(t, init.Pending().Has(linux.SIGUSR1))
		require.False(t, kids[0].Pending().Has(linux.SIGUSR1))
		require.True(t, kids[1].Pending().Has(linux.SIGUSR1))
	})

	n.Meow()
}

func TestStopAndContinue(t *testing.T) {
	n := neko.Modern(t)

	n.It("stops a task and reports it to waitpid", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		c := forkN(t, k, m, 1)[0]

		m.Become(c)
		require.NoError(t, k.SendSignal(c, linux.SIGSTOP, nil))
		k.Sched.Run(m.Regs())

		require.Equal(t, TaskStopped, c.State())
		require.Equal(t, init, m.Current())

		pid, status, err := init.Waitpid(c.Pid, linux.WUNTRACED)
		require.NoError(t, err)
		require.Equal(t, c.Pid, pid)
		require.Equal(t, int32(linux.SIGSTOP)<<8|0x7f, status)

		pid, _, err = init.Waitpid(c.Pid, linux.WUNTRACED|linux.WNOHANG)
		require.NoError(t, err)
		require.Equal(t, 0, pid)

		require.NoError(t, init.Kill(c.Pid, linux.SIGCONT))
		require.Equal(t, TaskRunning, c.State())
	})

	n.It("kills a stopped task with SIGKILL", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		m.Become(c)
		require.NoError(t, k.SendSignal(c, linux.SIGSTOP, nil))
		k.Sched.Run(m.Regs())
		require.Equal(t, TaskStopped, c.State())

		require.NoError(t, k.SendSignal(c, linux.SIGKILL, nil))
		require.Equal(t, TaskRunning, c.State())

		m.Become(c)
		k.Sched.Run(m.Regs())
		require.Equal(t, TaskZombie, c.State())
		require.Equal(t, linux.SIGKILL, c.ExitStatus().Signo)
	})

	n.It("ignores terminal stops in an orphaned group", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		_, err := c.Setsid()
		require.NoError(t, err)
		require.True(t, k.OrphanedGroup(c.Pgid))

		m.Become(c)
		require.NoError(t, k.SendSignal(c, linux.SIGTSTP, nil))
		k.Sched.Run(m.Regs())

		require.Equal(t, TaskRunning, c.State())
		require.Equal(t, 0, c.PendingCount())
	})

	n.Meow()
}
