package kernel

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/pkg/waiter"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxPendingSignals caps the per task queue of siginfo records.
const MaxPendingSignals = 64

type sigFrame struct {
	regs arch.Regs
	mask linux.SignalSet
}

// signalState is guarded by mu. pending has a bit set exactly when queue
// holds a record for that signal.
type signalState struct {
	mu sync.Mutex

	actions [linux.NSIG]linux.Sigaction

	blocked     linux.SignalSet
	realBlocked linux.SignalSet
	saved       linux.SignalSet

	pending linux.SignalSet
	queue   []linux.Siginfo

	// sigreturn is the user address handlers return to.
	sigreturn uint32

	frames []sigFrame
}

func (s *signalState) action(sig linux.Signal) linux.Sigaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.actions[sig]
}

// removeLocked drops every queued record for a signal in set.
func (s *signalState) removeLocked(set linux.SignalSet) {
	if s.pending&set == 0 {
		return
	}

	kept := s.queue[:0]
	for _, info := range s.queue {
		if !set.Has(linux.Signal(info.Signo)) {
			kept = append(kept, info)
		}
	}
	s.queue = kept
	s.pending &^= set
}

// dequeueLocked removes one record of the lowest unblocked pending signal.
func (s *signalState) dequeueLocked() (linux.Signal, linux.Siginfo, bool) {
	sig := (s.pending &^ s.blocked).Lowest()
	if sig == 0 {
		return 0, linux.Siginfo{}, false
	}

	var (
		info  linux.Siginfo
		found = -1
		more  bool
	)

	for i, rec := range s.queue {
		if linux.Signal(rec.Signo) != sig {
			continue
		}
		if found < 0 {
			found = i
			info = rec
		} else {
			more = true
			break
		}
	}

	if found >= 0 {
		s.queue = append(s.queue[:found], s.queue[found+1:]...)
	}

	if !more {
		s.pending = s.pending.Del(sig)
	}

	return sig, info, true
}

var stopSignals = linux.SignalSetOf(linux.SIGSTOP, linux.SIGTSTP, linux.SIGTTIN, linux.SIGTTOU)

// Pending returns the queued signal set of t.
func (t *Task) Pending() linux.SignalSet {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()

	return t.sig.pending
}

// PendingCount is the number of queued siginfo records.
func (t *Task) PendingCount() int {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()

	return len(t.sig.queue)
}

func (t *Task) Blocked() linux.SignalSet {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()

	return t.sig.blocked
}

// SendSignal queues sig for target. Ignored signals and signals to dead
// tasks are dropped without error.
func (k *Kernel) SendSignal(target *Task, sig linux.Signal, info *linux.Siginfo) error {
	if !sig.Valid() {
		return abi.EINVAL
	}

	if !target.Alive() {
		return nil
	}

	s := &target.sig
	s.mu.Lock()

	act := s.actions[sig]
	masked := (s.blocked | s.realBlocked).Has(sig)

	if act.Handler == linux.SIG_IGN && sig != linux.SIGCHLD && !masked {
		s.mu.Unlock()
		k.L.Trace("signal-ignored", "pid", target.Pid, "signal", sig)
		return nil
	}

	switch {
	case sig == linux.SIGCONT:
		s.removeLocked(stopSignals)
	case sig.Stop():
		s.removeLocked(linux.SignalSetOf(linux.SIGCONT))
	}

	if len(s.queue) >= MaxPendingSignals {
		s.mu.Unlock()
		return ErrQueueFull
	}

	rec := linux.Siginfo{Code: linux.SI_KERNEL}
	if info != nil {
		rec = *info
	}
	rec.Signo = int32(sig)

	s.queue = append(s.queue, rec)
	s.pending = s.pending.Add(sig)

	s.mu.Unlock()

	k.L.Trace("signal-send", "pid", target.Pid, "signal", sig, "code", rec.Code)

	if sig == linux.SIGCONT {
		k.continueTask(target)
	}

	switch target.state {
	case TaskInterruptible:
		ignored := act.Handler == linux.SIG_IGN ||
			(act.Handler == linux.SIG_DFL && sig.DefaultIgnored())
		if sig == linux.SIGKILL || (!masked && !ignored) {
			target.wake()
		}
	case TaskUninterruptible:
		if sig == linux.SIGKILL {
			target.wake()
		}
	case TaskStopped:
		if sig == linux.SIGKILL {
			target.cancelStop()
			target.state = TaskRunning
		}
	}

	return nil
}

// forceSignal delivers a synchronous fault signal. A blocked or ignored
// signal is reset to the default action so the task cannot loop on it.
func (k *Kernel) forceSignal(t *Task, sig linux.Signal, info *linux.Siginfo) {
	s := &t.sig

	s.mu.Lock()
	if s.blocked.Has(sig) || s.actions[sig].Handler == linux.SIG_IGN {
		s.actions[sig] = linux.Sigaction{Handler: linux.SIG_DFL}
	}
	s.blocked = s.blocked.Del(sig)
	s.realBlocked = s.realBlocked.Del(sig)
	s.mu.Unlock()

	if err := k.SendSignal(t, sig, info); err != nil {
		k.L.Warn("forced-signal-dropped", "pid", t.Pid, "signal", sig, "error", err)
	}
}

// doSignal acts on pending signals of t, which is about to return to user
// mode with frame. It reports true when frame was redirected to a handler.
func (k *Kernel) doSignal(t *Task, frame *arch.Regs) bool {
	for t.state == TaskRunning {
		s := &t.sig

		s.mu.Lock()
		sig, info, ok := s.dequeueLocked()
		act := s.actions[sig]
		s.mu.Unlock()

		if !ok {
			return false
		}

		t.L.Trace("signal-deliver", "pid", t.Pid, "signal", sig, "handler", hclog.Fmt("%#x", act.Handler))

		switch act.Handler {
		case linux.SIG_IGN:
			if sig == linux.SIGCHLD {
				t.ReapZombies()
			}
		case linux.SIG_DFL:
			switch {
			case sig.DefaultIgnored():
			case sig.Stop():
				if sig != linux.SIGSTOP && k.OrphanedGroup(t.Pgid) {
					continue
				}
				k.stop(t, sig)
				return false
			default:
				t.Exit(ExitStatus{Code: sig.ExitCode(), Signo: sig})
				return false
			}
		default:
			if k.setupFrame(t, sig, &info, act, frame) {
				return true
			}
		}
	}

	return false
}

// setupFrame saves the interrupted context and redirects frame to the
// handler. The user stack gets the return address and the signal number,
// followed by a siginfo pointer and the siginfo record for SA_SIGINFO.
func (k *Kernel) setupFrame(t *Task, sig linux.Signal, info *linux.Siginfo, act linux.Sigaction, frame *arch.Regs) bool {
	s := &t.sig

	s.mu.Lock()
	oldMask := s.blocked
	ret := s.sigreturn
	s.mu.Unlock()

	words := []uint32{ret, uint32(sig)}

	size := uint32(8)
	if act.Flags&linux.SA_SIGINFO != 0 {
		size += 4 + uint32(linux.SiginfoSize)
	}

	base := (frame.UserESP - size) &^ 0xf

	if act.Flags&linux.SA_SIGINFO != 0 {
		words = append(words, base+12)
	}
	if act.Flags&linux.SA_SIGINFO == 0 {
		info = nil
	}

	buf, err := encodeFrame(words, info)
	if err != nil {
		t.L.Error("signal-frame-encode", "pid", t.Pid, "signal", sig, "error", err)
		return false
	}

	if err := t.WriteBytes(base, buf); err != nil {
		t.L.Debug("signal-frame-fault", "pid", t.Pid, "signal", sig, "esp", hclog.Fmt("%#x", frame.UserESP), "error", err)

		if sig == linux.SIGSEGV {
			s.mu.Lock()
			s.actions[linux.SIGSEGV] = linux.Sigaction{}
			s.mu.Unlock()
		}

		k.forceSignal(t, linux.SIGSEGV, &linux.Siginfo{
			Signo: int32(linux.SIGSEGV),
			Code:  linux.SI_KERNEL,
			Addr:  base,
		})
		return false
	}

	s.mu.Lock()
	s.frames = append(s.frames, sigFrame{regs: *frame, mask: oldMask})

	mask := oldMask | linux.SignalSet(act.Mask)
	if act.Flags&linux.SA_NODEFER == 0 {
		mask = mask.Add(sig)
	}
	s.blocked = mask &^ linux.UnblockableSet

	if act.Flags&linux.SA_RESETHAND != 0 {
		s.actions[sig] = linux.Sigaction{}
	}
	s.mu.Unlock()

	frame.UserESP = base
	frame.EIP = act.Handler
	frame.EAX = uint32(sig)

	return true
}

// Sigreturn restores the context saved when the latest handler was
// entered.
func (t *Task) Sigreturn(frame *arch.Regs) error {
	k := t.Kernel
	s := &t.sig

	s.mu.Lock()
	n := len(s.frames)
	if n == 0 {
		s.mu.Unlock()
		k.forceSignal(t, linux.SIGSEGV, &linux.Siginfo{Signo: int32(linux.SIGSEGV), Code: linux.SI_KERNEL})
		return ErrBadAddress
	}

	sf := s.frames[n-1]
	s.frames = s.frames[:n-1]
	s.blocked = sf.mask &^ linux.UnblockableSet
	s.mu.Unlock()

	*frame = sf.regs

	k.CPU.Barrier()
	k.MMU.LoadCR3(t.mm.Dir.PhysAddr())

	t.L.Trace("sigreturn", "pid", t.Pid, "eip", hclog.Fmt("%#x", frame.EIP))

	return nil
}

// Sigaction installs act for sig and returns the previous action. A non
// zero Restorer becomes the return address of every handler.
func (t *Task) Sigaction(sig linux.Signal, act *linux.Sigaction) (linux.Sigaction, error) {
	if !sig.Valid() {
		return linux.Sigaction{}, abi.EINVAL
	}

	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.actions[sig]

	if act == nil {
		return old, nil
	}

	if sig.Unblockable() {
		return old, abi.EINVAL
	}

	na := *act
	na.Mask = uint32(linux.SignalSet(na.Mask) &^ linux.UnblockableSet)
	s.actions[sig] = na

	if na.Restorer != 0 {
		s.sigreturn = na.Restorer
	}

	if na.Handler == linux.SIG_IGN {
		s.removeLocked(linux.SignalSetOf(sig))
	}

	return old, nil
}

// Signal is signal(2): handler is installed with no flags and the old
// handler is returned. sigreturn, when set, becomes the return address.
func (t *Task) Signal(sig linux.Signal, handler, sigreturn uint32) (uint32, error) {
	if sigreturn != 0 {
		t.sig.mu.Lock()
		t.sig.sigreturn = sigreturn
		t.sig.mu.Unlock()
	}

	old, err := t.Sigaction(sig, &linux.Sigaction{Handler: handler})
	if err != nil {
		return linux.SIG_ERR, err
	}

	return old.Handler, nil
}

// Sigprocmask changes the blocked set. SIGKILL and SIGSTOP stay unblocked.
func (t *Task) Sigprocmask(how int, set *linux.SignalSet) (linux.SignalSet, error) {
	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.blocked
	if set == nil {
		return old, nil
	}

	switch how {
	case linux.SIG_BLOCK:
		s.blocked |= *set
	case linux.SIG_UNBLOCK:
		s.blocked &^= *set
	case linux.SIG_SETMASK:
		s.blocked = *set
	default:
		return old, abi.EINVAL
	}

	s.blocked &^= linux.UnblockableSet

	return old, nil
}

// Sigpending returns pending signals that are currently blocked.
func (t *Task) Sigpending() linux.SignalSet {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()

	return t.sig.pending & t.sig.blocked
}

// Kill sends sig following kill(2) pid rules. A zero sig only checks
// that the targets exist and may be signalled.
func (t *Task) Kill(pid int, sig linux.Signal) error {
	k := t.Kernel

	if sig != 0 && !sig.Valid() {
		return abi.EINVAL
	}

	var targets []*Task

	switch {
	case pid > 0:
		target, ok := k.tasks[pid]
		if !ok || !target.Alive() {
			return ErrNoTask
		}
		targets = append(targets, target)
	case pid == 0:
		targets = k.Group(t.Pgid)
	case pid == -1:
		for _, o := range k.Tasks() {
			if o != k.init && o != t && o.Alive() {
				targets = append(targets, o)
			}
		}
	default:
		targets = k.Group(-pid)
	}

	if len(targets) == 0 {
		return ErrNoTask
	}

	info := &linux.Siginfo{
		Signo: int32(sig),
		Code:  linux.SI_USER,
		Pid:   int32(t.Pid),
		Uid:   int32(t.Cred.UID),
	}

	sent := 0
	var lastErr error = abi.EPERM

	for _, target := range targets {
		if !t.canSignal(target) {
			continue
		}

		sent++

		if sig == 0 {
			continue
		}

		if err := k.SendSignal(target, sig, info); err != nil {
			lastErr = err
			sent--
		}
	}

	if sent == 0 {
		return lastErr
	}

	return nil
}

// stop parks t until SIGCONT or SIGKILL.
func (k *Kernel) stop(t *Task, sig linux.Signal) {
	t.state = TaskStopped
	t.stopSignal = sig
	t.stopReported = false
	t.continued = false

	t.stopEv = &waiter.Event{
		Mask:    waiter.EventStopped,
		Context: t,
		Test: func(e *waiter.Event) bool {
			return e.Context.(*Task).continued
		},
		Callback: func(e *waiter.Event) {
			st := e.Context.(*Task)
			st.stopEv = nil
			if st.state == TaskStopped {
				st.state = TaskRunning
			}
		},
	}
	k.stopped.Register(t.stopEv)

	t.L.Debug("task-stopped", "pid", t.Pid, "signal", sig)

	k.notifyParent(t.parent, t, linux.CLD_STOPPED)
}

// continueTask marks t continued and fires the stopped queue so its test
// passes.
func (k *Kernel) continueTask(t *Task) {
	if t.state != TaskStopped {
		return
	}

	t.continued = true
	k.stopped.Wake(waiter.EventStopped)

	t.L.Debug("task-continued", "pid", t.Pid)
}

func (t *Task) cancelStop() {
	if t.stopEv != nil {
		t.Kernel.stopped.Unregister(t.stopEv)
		t.stopEv = nil
	}
}

// encodeFrame lays out the handler's stack words followed by info when it
// is set.
func encodeFrame(words []uint32, info *linux.Siginfo) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4*len(words)+linux.SiginfoSize))

	if err := binary.Write(buf, binary.LittleEndian, words); err != nil {
		return nil, errors.Wrap(err, "encoding signal frame words")
	}

	if info != nil {
		if err := binary.Write(buf, binary.LittleEndian, info); err != nil {
			return nil, errors.Wrap(err, "encoding siginfo")
		}
	}

	return buf.Bytes(), nil
}
