package kernel

import (
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/config"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestTimerWheel(t *testing.T) {
	n := neko.Modern(t)

	n.It("fires timers in expiry order", func(t *testing.T) {
		w := newTimerWheel()

		var fired []uint64
		for _, exp := range []uint64{5, 1, 3} {
			exp := exp
			w.add(&Timer{Expires: exp, fn: func() { fired = append(fired, exp) }})
		}
		require.Equal(t, 3, w.count)

		w.run(2)
		require.Equal(t, []uint64{1}, fired)

		w.run(10)
		require.Equal(t, []uint64{1, 3, 5}, fired)
		require.Equal(t, 0, w.count)
	})

	n.It("cascades far timers into the root vector", func(t *testing.T) {
		w := newTimerWheel()

		far := []uint64{300, 20000, 1 << 20}

		var fired []uint64
		for _, exp := range far {
			exp := exp
			w.add(&Timer{Expires: exp, fn: func() { fired = append(fired, exp) }})
		}

		w.run(299)
		require.Empty(t, fired)

		w.run(300)
		require.Equal(t, []uint64{300}, fired)

		w.run(19999)
		require.Equal(t, []uint64{300}, fired)

		w.run(1 << 20)
		require.Equal(t, far, fired)
	})

	n.It("fires a timer added in the past on the next run", func(t *testing.T) {
		w := newTimerWheel()
		w.run(50)

		hit := false
		w.add(&Timer{Expires: 10, fn: func() { hit = true }})

		w.run(51)
		require.True(t, hit)
	})

	n.It("does not fire a deleted timer", func(t *testing.T) {
		w := newTimerWheel()

		tm := &Timer{Expires: 4, fn: func() { t.Fatal("deleted timer fired") }}
		w.add(tm)
		require.True(t, tm.Pending())

		require.True(t, w.del(tm))
		require.False(t, tm.Pending())
		require.False(t, w.del(tm))

		w.run(10)
	})

	n.It("lets a callback cancel a timer expiring on the same tick", func(t *testing.T) {
		w := newTimerWheel()

		var (
			fired []string
			b     *Timer
		)

		a := &Timer{Expires: 3, fn: func() {
			fired = append(fired, "a")
			require.True(t, w.del(b))
		}}
		b = &Timer{Expires: 3, fn: func() { fired = append(fired, "b") }}

		w.add(a)
		w.add(b)

		w.run(5)
		require.Equal(t, []string{"a"}, fired)
		require.False(t, b.Pending())
		require.Equal(t, 0, w.count)
	})

	n.Meow()
}

func TestAlarm(t *testing.T) {
	n := neko.Modern(t)

	n.It("posts SIGALRM after the interval", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		// Keep c off the CPU so SIGALRM stays pending.
		c.state = TaskUninterruptible

		require.Equal(t, uint32(0), c.Alarm(1))

		hz := k.Config().HZ
		for i := 0; i < hz-1; i++ {
			k.Timer(m.Regs())
		}
		require.False(t, c.Pending().Has(linux.SIGALRM))

		k.Timer(m.Regs())
		require.True(t, c.Pending().Has(linux.SIGALRM))
	})

	n.It("returns the seconds left on the previous alarm", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]
		c.state = TaskUninterruptible

		c.Alarm(5)
		k.Timer(m.Regs())

		require.Equal(t, uint32(5), c.Alarm(0))
		require.Equal(t, uint32(0), c.Alarm(0))
	})

	n.It("rearms an interval timer", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]
		c.state = TaskUninterruptible

		_, err := c.Setitimer(linux.ITIMER_REAL, linux.Itimerval{
			Value:    linux.Timeval{Usec: 20000},
			Interval: linux.Timeval{Usec: 30000},
		})
		require.NoError(t, err)

		k.Timer(m.Regs())
		k.Timer(m.Regs())
		require.Equal(t, 1, c.PendingCount())

		cur, err := c.Getitimer(linux.ITIMER_REAL)
		require.NoError(t, err)
		require.Equal(t, int32(30000), cur.Interval.Usec)
		require.Equal(t, int32(30000), cur.Value.Usec)

		for i := 0; i < 3; i++ {
			k.Timer(m.Regs())
		}
		require.Equal(t, 2, c.PendingCount())
	})

	n.It("supports only the real timer", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)

		_, err := k.Init().Getitimer(linux.ITIMER_VIRTUAL)
		require.Equal(t, abi.EINVAL, err)

		_, err = k.Init().Setitimer(linux.ITIMER_REAL, linux.Itimerval{Value: linux.Timeval{Usec: -1}})
		require.Equal(t, abi.EINVAL, err)
	})

	n.Meow()
}

func TestNanosleep(t *testing.T) {
	n := neko.Modern(t)

	n.It("blocks until the deadline and then completes", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		ts := linux.Timespec{Nsec: 30000000}

		require.Equal(t, abi.ERESTARTSYS, c.Nanosleep(ts))
		require.Equal(t, TaskUninterruptible, c.State())

		k.Timer(m.Regs())
		k.Timer(m.Regs())
		require.Equal(t, TaskUninterruptible, c.State())

		k.Timer(m.Regs())
		require.Equal(t, TaskRunning, c.State())

		require.NoError(t, c.Nanosleep(ts))
	})

	n.It("returns at once for a zero duration", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)

		require.NoError(t, k.Init().Nanosleep(linux.Timespec{}))
		require.Equal(t, TaskRunning, k.Init().State())
	})

	n.It("rejects bad timespecs", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)

		require.Equal(t, abi.EINVAL, k.Init().Nanosleep(linux.Timespec{Nsec: 1000000000}))
		require.Equal(t, abi.EINVAL, k.Init().Nanosleep(linux.Timespec{Sec: -1}))
	})

	n.Meow()
}

func TestPause(t *testing.T) {
	n := neko.Modern(t)

	n.It("sleeps until a signal arrives", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		require.Equal(t, abi.EINTR, c.Pause())
		require.Equal(t, TaskInterruptible, c.State())

		require.NoError(t, k.SendSignal(c, linux.SIGUSR1, nil))
		require.Equal(t, TaskRunning, c.State())
	})

	n.It("does not sleep with a signal already pending", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)
		c := forkN(t, k, m, 1)[0]

		require.NoError(t, k.SendSignal(c, linux.SIGUSR1, nil))

		require.Equal(t, abi.EINTR, c.Pause())
		require.Equal(t, TaskRunning, c.State())
	})

	n.Meow()
}
