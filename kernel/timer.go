package kernel

import (
	"time"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/pkg/ilist"
)

// Wheel geometry: one root vector of 256 slots and four of 64.
const (
	tvrBits = 8
	tvnBits = 6
	tvrSize = 1 << tvrBits
	tvnSize = 1 << tvnBits
	tvrMask = tvrSize - 1
	tvnMask = tvnSize - 1
)

// Timer is a dynamic timer. fn runs from the timer interrupt once ticks
// reaches Expires.
type Timer struct {
	ilist.Entry

	Expires uint64

	fn   func()
	list *ilist.List
}

func (t *Timer) Pending() bool {
	return t.list != nil
}

type timerWheel struct {
	jiffies uint64

	tv1 [tvrSize]ilist.List
	tvn [4][tvnSize]ilist.List

	count int
}

func newTimerWheel() *timerWheel {
	return &timerWheel{}
}

func (w *timerWheel) add(t *Timer) {
	expires := t.Expires
	idx := expires - w.jiffies

	var l *ilist.List

	switch {
	case int64(idx) < 0:
		l = &w.tv1[w.jiffies&tvrMask]
	case idx < tvrSize:
		l = &w.tv1[expires&tvrMask]
	case idx < 1<<(tvrBits+tvnBits):
		l = &w.tvn[0][(expires>>tvrBits)&tvnMask]
	case idx < 1<<(tvrBits+2*tvnBits):
		l = &w.tvn[1][(expires>>(tvrBits+tvnBits))&tvnMask]
	case idx < 1<<(tvrBits+3*tvnBits):
		l = &w.tvn[2][(expires>>(tvrBits+2*tvnBits))&tvnMask]
	default:
		if idx > 0xffffffff {
			expires = w.jiffies + 0xffffffff
		}
		l = &w.tvn[3][(expires>>(tvrBits+3*tvnBits))&tvnMask]
	}

	l.PushBack(t)
	t.list = l
	w.count++
}

func (w *timerWheel) del(t *Timer) bool {
	if t.list == nil {
		return false
	}

	t.list.Remove(t)
	t.list = nil
	w.count--

	return true
}

// cascade moves one slot of level n down the wheel.
func (w *timerWheel) cascade(n int, index uint64) uint64 {
	var moved ilist.List
	moved.PushBackList(&w.tvn[n][index])

	for it := moved.Front(); it != nil; {
		t := it.(*Timer)
		it = it.Next()

		moved.Remove(t)
		t.list = nil
		w.count--
		w.add(t)
	}

	return index
}

func (w *timerWheel) index(n int) uint64 {
	return (w.jiffies >> (tvrBits + uint(n)*tvnBits)) & tvnMask
}

// run fires every timer that expires at or before now.
func (w *timerWheel) run(now uint64) {
	for w.jiffies <= now {
		slot := w.jiffies & tvrMask

		if slot == 0 {
			for n := 0; n < 4; n++ {
				if w.cascade(n, w.index(n)) != 0 {
					break
				}
			}
		}

		var expired ilist.List
		expired.PushBackList(&w.tv1[slot])

		// A callback may delete a timer still waiting in this batch.
		for it := expired.Front(); it != nil; it = it.Next() {
			it.(*Timer).list = &expired
		}

		w.jiffies++

		for !expired.Empty() {
			t := expired.Front().(*Timer)

			expired.Remove(t)
			t.list = nil
			w.count--

			t.fn()
		}
	}
}

// AddTimer arms a timer that calls fn at tick expires.
func (k *Kernel) AddTimer(expires uint64, fn func()) *Timer {
	t := &Timer{Expires: expires, fn: fn}
	k.timers.add(t)
	return t
}

// DelTimer disarms t and reports whether it was still pending.
func (k *Kernel) DelTimer(t *Timer) bool {
	return k.timers.del(t)
}

// Timer is the timer interrupt entry.
func (k *Kernel) Timer(frame *arch.Regs) {
	k.ticks++

	if t := k.Current(); t != nil && t.state == TaskRunning {
		t.Se.ExecRuntime++
		t.Se.SumExecRuntime++
	}

	k.timers.run(k.ticks)

	k.Sched.Run(frame)
}

func (k *Kernel) durationToTicks(d time.Duration) uint64 {
	tick := k.TickDuration()
	return uint64((d + tick - 1) / tick)
}

func (k *Kernel) ticksToTimeval(n uint64) linux.Timeval {
	d := time.Duration(n) * k.TickDuration()
	return linux.Timeval{
		Sec:  int32(d / time.Second),
		Usec: int32((d % time.Second) / time.Microsecond),
	}
}

func timevalDuration(tv linux.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// itimer is ITIMER_REAL. Expiry posts SIGALRM and rearms with interval.
type itimer struct {
	task     *Task
	interval uint64
	timer    *Timer
}

func (it *itimer) stop() uint64 {
	if it.timer == nil {
		return 0
	}

	k := it.task.Kernel

	var left uint64
	if it.timer.Expires > k.ticks {
		left = it.timer.Expires - k.ticks
	}

	k.DelTimer(it.timer)
	it.timer = nil

	return left
}

func (it *itimer) remaining() uint64 {
	if it.timer == nil {
		return 0
	}

	k := it.task.Kernel
	if it.timer.Expires <= k.ticks {
		return 0
	}
	return it.timer.Expires - k.ticks
}

func (it *itimer) start(value, interval uint64) {
	it.stop()
	it.interval = interval

	if value == 0 {
		return
	}

	k := it.task.Kernel
	it.timer = k.AddTimer(k.ticks+value, it.fire)
}

func (it *itimer) fire() {
	t := it.task
	k := t.Kernel

	it.timer = nil

	err := k.SendSignal(t, linux.SIGALRM, &linux.Siginfo{Code: linux.SI_KERNEL})
	if err != nil {
		t.L.Debug("sigalrm-dropped", "pid", t.Pid, "error", err)
	}

	if it.interval != 0 && t.Alive() {
		it.timer = k.AddTimer(k.ticks+it.interval, it.fire)
	}
}

// Alarm arms SIGALRM in seconds and returns the seconds left on the
// previous alarm, rounded up.
func (t *Task) Alarm(seconds uint32) uint32 {
	k := t.Kernel

	left := t.alarm.stop()
	t.alarm.interval = 0

	if seconds != 0 {
		t.alarm.start(k.durationToTicks(time.Duration(seconds)*time.Second), 0)
	}

	if left == 0 {
		return 0
	}

	d := time.Duration(left) * k.TickDuration()
	return uint32((d + time.Second - 1) / time.Second)
}

func (t *Task) Getitimer(which int) (linux.Itimerval, error) {
	if which != linux.ITIMER_REAL {
		return linux.Itimerval{}, abi.EINVAL
	}

	k := t.Kernel

	return linux.Itimerval{
		Interval: k.ticksToTimeval(t.alarm.interval),
		Value:    k.ticksToTimeval(t.alarm.remaining()),
	}, nil
}

// Setitimer only supports ITIMER_REAL.
func (t *Task) Setitimer(which int, val linux.Itimerval) (linux.Itimerval, error) {
	old, err := t.Getitimer(which)
	if err != nil {
		return old, err
	}

	if val.Value.Usec < 0 || val.Value.Usec >= 1000000 || val.Interval.Usec < 0 || val.Interval.Usec >= 1000000 {
		return old, abi.EINVAL
	}

	k := t.Kernel

	t.alarm.start(k.durationToTicks(timevalDuration(val.Value)), k.durationToTicks(timevalDuration(val.Interval)))

	return old, nil
}

// Nanosleep blocks t until the duration has passed. The first call arms a
// timer and returns ERESTARTSYS; the restarted call returns once the
// deadline is reached.
func (t *Task) Nanosleep(ts linux.Timespec) error {
	k := t.Kernel

	if ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= 1000000000 {
		return abi.EINVAL
	}

	if t.sleepUntil == 0 {
		d := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
		if d == 0 {
			return nil
		}
		t.sleepUntil = k.ticks + k.durationToTicks(d)
	}

	if k.ticks >= t.sleepUntil {
		t.sleepUntil = 0
		return nil
	}

	if t.sleepTimer == nil {
		t.sleepTimer = k.AddTimer(t.sleepUntil, func() {
			t.sleepTimer = nil
			t.wake()
		})
	}

	t.state = TaskUninterruptible

	return abi.ERESTARTSYS
}

// Pause sleeps until a signal arrives. The syscall returns EINTR when the
// task next runs.
func (t *Task) Pause() error {
	t.sig.mu.Lock()
	ready := t.sig.pending &^ t.sig.blocked
	t.sig.mu.Unlock()

	if ready == 0 {
		t.state = TaskInterruptible
	}

	return abi.EINTR
}
