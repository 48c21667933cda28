package kernel

import (
	"math"
	"sort"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
)

// SchedSetparam sets the static priority and periodic parameters of pid
// (0 for t). A periodic task starts under analysis and is admitted on its
// first Waitperiod.
func (t *Task) SchedSetparam(pid int, param linux.SchedParam) error {
	k := t.Kernel

	target, err := k.lookup(t, pid)
	if err != nil {
		return err
	}

	if target != t && !t.Cred.IsRoot() && t.Cred.EUID != target.Cred.EUID {
		return abi.EPERM
	}

	if param.Priority != 0 {
		if param.Priority < MinPrio || param.Priority > MaxPrio {
			return abi.EINVAL
		}
		target.Se.Prio = int(param.Priority)
	}

	if param.IsPeriodic == 0 {
		if target.Se.IsPeriodic {
			k.Sched.clearPeriodic(target)
		}
		return nil
	}

	if param.Period <= 0 {
		return abi.EINVAL
	}

	se := &target.Se
	now := k.ticks

	if !se.IsPeriodic {
		k.Sched.rq.numPeriodic++
	}

	if se.release != nil {
		k.DelTimer(se.release)
		se.release = nil
	}

	se.IsPeriodic = true
	se.IsUnderAnalysis = true
	se.Executed = false
	se.Period = uint64(param.Period)
	se.ArrivalTime = now
	se.NextPeriod = now
	se.Deadline = now + se.Period
	se.ExecRuntime = 0
	se.WorstCaseExec = 0
	se.UtilizationFactor = 0

	t.L.Debug("sched-setparam", "pid", target.Pid, "period", se.Period, "prio", se.Prio)

	return nil
}

func (t *Task) SchedGetparam(pid int) (linux.SchedParam, error) {
	target, err := t.Kernel.lookup(t, pid)
	if err != nil {
		return linux.SchedParam{}, err
	}

	se := &target.Se

	param := linux.SchedParam{Priority: int32(se.Prio)}
	if se.IsPeriodic {
		param.IsPeriodic = 1
		param.Period = int32(se.Period)
		param.Deadline = int32(se.Deadline)
		param.ArrivalTime = int32(se.ArrivalTime)
	}

	return param, nil
}

// clearPeriodic turns t back into an aperiodic task.
func (s *Scheduler) clearPeriodic(t *Task) {
	se := &t.Se
	if !se.IsPeriodic {
		return
	}

	if se.release != nil {
		s.k.DelTimer(se.release)
		se.release = nil
	}

	se.IsPeriodic = false
	se.IsUnderAnalysis = false
	se.Executed = false
	se.Period = 0
	se.Deadline = 0
	se.WorstCaseExec = 0
	se.UtilizationFactor = 0

	s.rq.numPeriodic--
}

// Waitperiod ends the current job of t. The first call runs admission;
// a rejected task reverts to aperiodic and gets ENOTSCHEDULABLE. On
// success t sleeps until its next release.
func (t *Task) Waitperiod() error {
	k := t.Kernel
	s := k.Sched
	se := &t.Se

	if !se.IsPeriodic {
		return ErrNotPeriodic
	}

	now := k.ticks

	if se.ExecRuntime > se.WorstCaseExec {
		se.WorstCaseExec = se.ExecRuntime
	}
	se.UtilizationFactor = float64(se.WorstCaseExec) / float64(se.Period)

	if se.IsUnderAnalysis {
		if !s.admit(t) {
			s.L.Info("admission-rejected", "pid", t.Pid, "policy", s.policy,
				"wcet", se.WorstCaseExec, "period", se.Period, "utilization", se.UtilizationFactor)
			s.clearPeriodic(t)
			return abi.ENOTSCHEDULABLE
		}

		se.IsUnderAnalysis = false
		se.NextPeriod = now
		se.Deadline = now + se.Period

		s.L.Debug("admission-accepted", "pid", t.Pid, "wcet", se.WorstCaseExec, "period", se.Period)
	}

	se.Executed = true

	if se.Deadline <= now {
		s.release(t)
		return nil
	}

	t.state = TaskUninterruptible
	se.release = k.AddTimer(se.Deadline, func() {
		se.release = nil
		s.release(t)
	})

	return nil
}

// release starts the next job of t.
func (s *Scheduler) release(t *Task) {
	se := &t.Se

	se.NextPeriod = se.Deadline
	se.Deadline += se.Period
	se.Executed = false
	se.ExecRuntime = 0

	s.L.Trace("period-release", "pid", t.Pid, "deadline", se.Deadline)

	t.wake()
}

// admit runs the schedulability test for the policy with t included.
func (s *Scheduler) admit(t *Task) bool {
	var set []*SchedEntity
	for it := s.rq.list.Front(); it != nil; it = it.Next() {
		o := it.(*Task)
		if o == t || !o.Se.IsPeriodic || o.Se.IsUnderAnalysis {
			continue
		}
		set = append(set, &o.Se)
	}
	set = append(set, &t.Se)

	var total float64
	for _, se := range set {
		total += se.UtilizationFactor
	}

	if total > 1 {
		return false
	}

	if s.policy != PolicyRM {
		return true
	}

	n := float64(len(set))
	if total <= n*(math.Pow(2, 1/n)-1) {
		return true
	}

	return responseTimeAnalysis(set)
}

// responseTimeAnalysis iterates R = C + sum(ceil(R/Tj) * Cj) over every
// task with a strictly smaller period, failing when R passes the period.
func responseTimeAnalysis(set []*SchedEntity) bool {
	tasks := append([]*SchedEntity(nil), set...)
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Period < tasks[j].Period
	})

	for i, se := range tasks {
		r := se.WorstCaseExec

		for {
			next := se.WorstCaseExec
			for _, hp := range tasks[:i] {
				if hp.Period >= se.Period {
					continue
				}
				next += (r + hp.Period - 1) / hp.Period * hp.WorstCaseExec
			}

			if next > se.Period {
				return false
			}

			if next == r {
				break
			}

			r = next
		}
	}

	return true
}
