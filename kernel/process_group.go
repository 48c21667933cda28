package kernel

import (
	"github.com/evanphx/x86core/abi"
)

// Group returns every live task whose process group is pgid.
func (k *Kernel) Group(pgid int) []*Task {
	var out []*Task
	for _, t := range k.Tasks() {
		if t.Pgid == pgid && t.Alive() {
			out = append(out, t)
		}
	}
	return out
}

// OrphanedGroup reports whether no member of pgid has a parent in a
// different group of the same session. Stop signals other than SIGSTOP
// are not acted on for orphaned groups.
func (k *Kernel) OrphanedGroup(pgid int) bool {
	for _, t := range k.Group(pgid) {
		p := t.parent
		if p == nil {
			continue
		}

		if p.Pgid != pgid && p.Sid == t.Sid {
			return false
		}
	}

	return true
}

// Setsid makes t the leader of a new session and process group.
func (t *Task) Setsid() (int, error) {
	if t.Sid == t.Pid {
		return 0, abi.EPERM
	}

	if len(t.Kernel.Group(t.Pid)) > 0 {
		return 0, abi.EPERM
	}

	t.Sid = t.Pid
	t.Pgid = t.Pid

	t.L.Trace("setsid", "pid", t.Pid)

	return t.Sid, nil
}

// Setpgid moves pid (0 for t itself, or one of t's children) into pgid
// (0 for the target's own pid).
func (t *Task) Setpgid(pid, pgid int) error {
	if pgid < 0 {
		return abi.EINVAL
	}

	target := t
	if pid != 0 && pid != t.Pid {
		c, ok := t.child(pid)
		if !ok {
			return abi.ESRCH
		}
		target = c
	}

	if target.Sid == target.Pid {
		return abi.EPERM
	}

	if target != t && target.Sid != t.Sid {
		return abi.EPERM
	}

	if pgid == 0 {
		pgid = target.Pid
	}

	if pgid != target.Pid {
		found := false
		for _, m := range t.Kernel.Group(pgid) {
			if m.Sid == target.Sid {
				found = true
				break
			}
		}

		if !found {
			return abi.EPERM
		}
	}

	target.Pgid = pgid
	return nil
}

func (k *Kernel) lookup(self *Task, pid int) (*Task, error) {
	if pid == 0 {
		return self, nil
	}

	t, ok := k.tasks[pid]
	if !ok || !t.Alive() {
		return nil, ErrNoTask
	}

	return t, nil
}

func (t *Task) Getpgid(pid int) (int, error) {
	target, err := t.Kernel.lookup(t, pid)
	if err != nil {
		return 0, err
	}
	return target.Pgid, nil
}

func (t *Task) Getsid(pid int) (int, error) {
	target, err := t.Kernel.lookup(t, pid)
	if err != nil {
		return 0, err
	}
	return target.Sid, nil
}
