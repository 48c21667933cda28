package kernel

import (
	"strings"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/config"
	"github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/pkg/ilist"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type Policy int

const (
	PolicyRoundRobin Policy = iota
	PolicyPriority
	PolicyCFS
	PolicyEDF
	PolicyRM
)

func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return config.SchedRoundRobin
	case PolicyPriority:
		return config.SchedPriority
	case PolicyCFS:
		return config.SchedCFS
	case PolicyEDF:
		return config.SchedEDF
	case PolicyRM:
		return config.SchedRM
	}
	return "unknown"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case config.SchedRoundRobin, "":
		return PolicyRoundRobin, nil
	case config.SchedPriority:
		return PolicyPriority, nil
	case config.SchedCFS:
		return PolicyCFS, nil
	case config.SchedEDF:
		return PolicyEDF, nil
	case config.SchedRM:
		return PolicyRM, nil
	}
	return 0, errors.Wrapf(abi.EINVAL, "unknown scheduling policy %q", s)
}

// Static priorities. Lower values run first; DefaultPrio is nice 0.
const (
	MinPrio     = 100
	MaxPrio     = 139
	DefaultPrio = 120
)

// SchedEntity is the per task accounting used by the policies. Times are
// in ticks.
type SchedEntity struct {
	Prio int

	StartRuntime   uint64
	ExecStart      uint64
	ExecRuntime    uint64
	SumExecRuntime uint64
	Vruntime       uint64

	// Periodic task parameters. The relative deadline equals the period.
	Period            uint64
	Deadline          uint64
	ArrivalTime       uint64
	NextPeriod        uint64
	WorstCaseExec     uint64
	UtilizationFactor float64

	IsPeriodic      bool
	IsUnderAnalysis bool
	Executed        bool

	release *Timer
}

type runqueue struct {
	list ilist.List
	curr *Task

	numActive   int
	numPeriodic int
}

// Scheduler owns the runqueue. Every task, runnable or not, stays on the
// list from fork until it is reaped or switched away from as a zombie.
type Scheduler struct {
	k      *Kernel
	L      hclog.Logger
	policy Policy

	rq runqueue

	switches int
}

func NewScheduler(k *Kernel, policy Policy) *Scheduler {
	return &Scheduler{
		k:      k,
		L:      log.Named("sched"),
		policy: policy,
	}
}

func (s *Scheduler) Policy() Policy {
	return s.policy
}

func (s *Scheduler) Current() *Task {
	return s.rq.curr
}

func (s *Scheduler) setCurrent(t *Task) {
	s.rq.curr = t
	t.Se.ExecStart = s.k.ticks
}

// Switches counts context switches since boot.
func (s *Scheduler) Switches() int {
	return s.switches
}

func (s *Scheduler) NumActive() int {
	return s.rq.numActive
}

func (s *Scheduler) NumPeriodic() int {
	return s.rq.numPeriodic
}

func (s *Scheduler) Enqueue(t *Task) {
	if t.onRQ {
		return
	}

	s.rq.list.PushBack(t)
	s.rq.numActive++
	t.onRQ = true
}

func (s *Scheduler) Dequeue(t *Task) {
	if !t.onRQ {
		return
	}

	s.rq.list.Remove(t)
	s.rq.numActive--
	t.onRQ = false
}

// Tasks returns the runqueue in list order.
func (s *Scheduler) Tasks() []*Task {
	var out []*Task
	for it := s.rq.list.Front(); it != nil; it = it.Next() {
		out = append(out, it.(*Task))
	}
	return out
}

func runnable(t *Task) bool {
	return t.state == TaskRunning
}

// successor is the task after t on the circular list.
func (s *Scheduler) successor(t *Task) *Task {
	if t == nil || !t.onRQ {
		if f := s.rq.list.Front(); f != nil {
			return f.(*Task)
		}
		return nil
	}

	if n := t.Next(); n != nil {
		return n.(*Task)
	}

	return s.rq.list.Front().(*Task)
}

// ring visits every queued task once, starting at start and wrapping.
func (s *Scheduler) ring(start *Task, fn func(t *Task)) {
	if start == nil {
		return
	}

	var it ilist.Linker = start
	for i := 0; i < s.rq.numActive; i++ {
		fn(it.(*Task))

		if it = it.Next(); it == nil {
			it = s.rq.list.Front()
		}
	}
}

// Run is called on the way out of every interrupt, exception and syscall.
// It may deliver a signal into frame or replace frame with the context of
// another task.
func (s *Scheduler) Run(frame *arch.Regs) {
	curr := s.rq.curr
	if curr == nil {
		return
	}

	curr.Thread.Regs = *frame

	if s.deliver(curr, frame) {
		return
	}

	// A task switched in may die or stop on its own pending signals, so
	// keep picking until one is left running.
	for tries := s.rq.numActive; tries >= 0; tries-- {
		next := s.schedule(curr)
		if next == nil || next == curr {
			return
		}

		s.switchTo(frame, next)

		if s.deliver(next, frame) || runnable(next) {
			return
		}

		curr = next
	}
}

func (s *Scheduler) deliver(t *Task, frame *arch.Regs) bool {
	if t.state != TaskRunning || !frame.UserMode() {
		return false
	}
	return s.k.doSignal(t, frame)
}

// schedule applies the zombie and EDF rules, then asks the policy.
func (s *Scheduler) schedule(curr *Task) *Task {
	if s.policy == PolicyCFS {
		s.updateCurr(curr)
	}

	start := s.successor(curr)

	if curr.state == TaskZombie {
		if start == curr {
			start = nil
		}
		s.Dequeue(curr)
	} else if s.policy == PolicyEDF && curr.Se.IsPeriodic && !curr.Se.Executed && runnable(curr) {
		return nil
	}

	return s.pickNext(start)
}

// Switch stores frame into the current task and resumes t.
func (s *Scheduler) Switch(frame *arch.Regs, t *Task) {
	if curr := s.rq.curr; curr != nil {
		curr.Thread.Regs = *frame
	}

	if t == s.rq.curr {
		return
	}

	s.switchTo(frame, t)
}

func (s *Scheduler) switchTo(frame *arch.Regs, next *Task) {
	k := s.k
	prev := s.rq.curr

	*frame = next.Thread.Regs

	// The frame must be written before the directory switch.
	k.CPU.Barrier()
	if next.mm != nil {
		k.MMU.LoadCR3(next.mm.Dir.PhysAddr())
	}

	k.CPU.SetTS()

	s.rq.curr = next
	next.Se.ExecStart = k.ticks
	s.switches++

	if prev != nil {
		s.L.Trace("context-switch", "prev", prev.Pid, "prev-state", prev.state, "next", next.Pid)
	}
}

func (s *Scheduler) pickNext(start *Task) *Task {
	switch s.policy {
	case PolicyPriority:
		return s.pickPriority(start)
	case PolicyCFS:
		return s.pickCFS(start)
	case PolicyEDF:
		if t := s.pickPeriodic(start, func(a, b *Task) bool { return a.Se.Deadline < b.Se.Deadline }); t != nil {
			return t
		}
		return s.pickAperiodic(start)
	case PolicyRM:
		if t := s.pickPeriodic(start, func(a, b *Task) bool { return a.Se.Period < b.Se.Period }); t != nil {
			return t
		}
		return s.pickAperiodic(start)
	}

	return s.pickRR(start)
}

func (s *Scheduler) pickRR(start *Task) *Task {
	var next *Task
	s.ring(start, func(t *Task) {
		if next == nil && runnable(t) {
			next = t
		}
	})
	return next
}

func (s *Scheduler) pickPriority(start *Task) *Task {
	var next *Task
	s.ring(start, func(t *Task) {
		if runnable(t) && (next == nil || t.Se.Prio < next.Se.Prio) {
			next = t
		}
	})
	return next
}

func (s *Scheduler) pickCFS(start *Task) *Task {
	var next *Task
	s.ring(start, func(t *Task) {
		if runnable(t) && (next == nil || t.Se.Vruntime < next.Se.Vruntime) {
			next = t
		}
	})
	return next
}

// pickPeriodic chooses among released periodic jobs that have not yet
// finished.
func (s *Scheduler) pickPeriodic(start *Task, less func(a, b *Task) bool) *Task {
	var next *Task
	s.ring(start, func(t *Task) {
		if !t.Se.IsPeriodic || t.Se.Executed || !runnable(t) {
			return
		}
		if next == nil || less(t, next) {
			next = t
		}
	})
	return next
}

func (s *Scheduler) pickAperiodic(start *Task) *Task {
	var next *Task
	s.ring(start, func(t *Task) {
		if next == nil && !t.Se.IsPeriodic && runnable(t) {
			next = t
		}
	})
	return next
}

// NiceZeroLoad is the weight of a task at DefaultPrio.
const NiceZeroLoad = 1024

// prioToWeight maps nice -20..19 to load weights, each step about 1.25x.
var prioToWeight = [40]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

func weight(prio int) uint64 {
	return prioToWeight[clampPrio(prio)-MinPrio]
}

func clampPrio(prio int) int {
	switch {
	case prio < MinPrio:
		return MinPrio
	case prio > MaxPrio:
		return MaxPrio
	}
	return prio
}

// updateCurr charges the time since ExecStart to curr's virtual runtime.
func (s *Scheduler) updateCurr(curr *Task) {
	now := s.k.ticks
	if now <= curr.Se.ExecStart {
		return
	}

	delta := uint64(s.k.TickDuration()) * (now - curr.Se.ExecStart)
	curr.Se.Vruntime += delta * NiceZeroLoad / weight(curr.Se.Prio)
	curr.Se.ExecStart = now
}

// Nice adds inc to the static priority. Only root may raise priority.
func (t *Task) Nice(inc int) error {
	if inc < 0 && !t.Cred.IsRoot() {
		return abi.EPERM
	}

	t.Se.Prio = clampPrio(t.Se.Prio + inc)

	t.L.Trace("sched-nice", "pid", t.Pid, "prio", t.Se.Prio)
	return nil
}
