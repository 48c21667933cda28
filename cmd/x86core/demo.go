package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/kernel"
	clog "github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/memory"
	"github.com/pkg/errors"
)

// Scratch space on the user stack of every demo task.
const (
	bufAddr    = memory.ProcAreaEnd - 0x4000
	statusAddr = bufAddr + 0x800
	tsAddr     = bufAddr + 0x900
)

// A step issues one syscall from the current task.
type step func(d *demo, t *kernel.Task) (int32, bool)

// demo drives a fixed workload through the syscall entry: init forks two
// children, each says hello and sleeps, and init reaps both.
type demo struct {
	k *kernel.Kernel
	m *kernel.Machine

	pc      map[int]int
	pending map[int]bool
	forked  []int
}

func newDemo(k *kernel.Kernel, m *kernel.Machine) *demo {
	return &demo{
		k:       k,
		m:       m,
		pc:      make(map[int]int),
		pending: make(map[int]bool),
	}
}

func (d *demo) write(t *kernel.Task, s string) (int32, bool) {
	if err := d.m.Store(bufAddr, []byte(s)); err != nil {
		return 0, true
	}
	return d.m.Syscall(linux.SYS_WRITE, 1, bufAddr, uint32(len(s)))
}

var initScript = []step{
	func(d *demo, t *kernel.Task) (int32, bool) {
		return d.write(t, fmt.Sprintf("x86core: %s scheduler, pid %d up\n", d.k.Config().Scheduler, t.Pid))
	},
	forkStep,
	forkStep,
	waitStep,
	waitStep,
	func(d *demo, t *kernel.Task) (int32, bool) {
		return d.write(t, "x86core: all children reaped\n")
	},
}

var childScript = []step{
	func(d *demo, t *kernel.Task) (int32, bool) {
		return d.write(t, fmt.Sprintf("pid %d: hello from a child of %d\n", t.Pid, t.Parent().Pid))
	},
	func(d *demo, t *kernel.Task) (int32, bool) {
		ts := linux.Timespec{Nsec: int32(t.Pid) * 10000000}
		if err := t.CopyOut(tsAddr, ts); err != nil {
			return 0, true
		}
		return d.m.Syscall(linux.SYS_NANOSLEEP, tsAddr, 0)
	},
	func(d *demo, t *kernel.Task) (int32, bool) {
		return d.m.Syscall(linux.SYS_EXIT, uint32(t.Pid))
	},
}

func forkStep(d *demo, t *kernel.Task) (int32, bool) {
	r, done := d.m.Syscall(linux.SYS_FORK)
	if done && r > 0 {
		d.forked = append(d.forked, int(r))
	}
	return r, done
}

func waitStep(d *demo, t *kernel.Task) (int32, bool) {
	r, done := d.m.Syscall(linux.SYS_WAITPID, uint32(0xffffffff), statusAddr, 0)
	if done && r > 0 {
		if st, err := d.m.Load32(statusAddr); err == nil {
			clog.L.Info("demo-reaped", "pid", r, "status", st>>8)
		}
	}
	return r, done
}

func (d *demo) script(t *kernel.Task) []step {
	if t == d.k.Init() {
		return initScript
	}
	return childScript
}

func (d *demo) finished() bool {
	return d.pc[d.k.Init().Pid] >= len(initScript)
}

// run executes steps on whichever task is current until init finishes
// its script or the tick budget is spent.
func (d *demo) run(ticks int) error {
	for !d.finished() {
		t := d.m.Current()

		if ticks == 0 {
			return errors.New("demo ran out of ticks")
		}

		if t == nil || t.State() != kernel.TaskRunning {
			ticks--
			d.m.Tick()
			continue
		}

		var (
			r    int32
			done bool
		)

		if d.pending[t.Pid] {
			r, done = d.m.Restart()
		} else {
			steps := d.script(t)
			pc := d.pc[t.Pid]
			if pc >= len(steps) {
				return errors.Errorf("pid %d ran past its script", t.Pid)
			}
			r, done = steps[pc](d, t)
		}

		if !done {
			d.pending[t.Pid] = true
			ticks--
			d.m.Tick()
			continue
		}

		delete(d.pending, t.Pid)
		d.pc[t.Pid]++

		if r < 0 {
			return errors.Errorf("pid %d step %d failed: errno %d", t.Pid, d.pc[t.Pid]-1, -r)
		}
	}

	clog.L.Info("demo-finished", "children", len(d.forked), "ticks", d.k.Ticks())

	return nil
}

func printTasks(w io.Writer, k *kernel.Kernel) {
	tw := tabwriter.NewWriter(w, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "PID\tPPID\tPGID\tSID\tSTATE\tNAME\n")

	for _, t := range k.Tasks() {
		ppid := 0
		if p := t.Parent(); p != nil {
			ppid = p.Pid
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\n", t.Pid, ppid, t.Pgid, t.Sid, t.State(), t.Name)
	}

	tw.Flush()
}
