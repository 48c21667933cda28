package kernel

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/pkg/ilist"
	"github.com/evanphx/x86core/pkg/ringbuf"
	"github.com/evanphx/x86core/pkg/waiter"
	"github.com/hashicorp/go-hclog"
)

type prockey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(prockey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, prockey{}, t)
}

type TaskState int

const (
	TaskRunning TaskState = iota
	TaskInterruptible
	TaskUninterruptible
	TaskStopped
	TaskZombie
	TaskDead
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskInterruptible:
		return "interruptible"
	case TaskUninterruptible:
		return "uninterruptible"
	case TaskStopped:
		return "stopped"
	case TaskZombie:
		return "zombie"
	case TaskDead:
		return "dead"
	}
	return "unknown"
}

type ExitStatus struct {
	Code  int
	Signo linux.Signal
}

func (e ExitStatus) Status() int32 {
	return ((int32(e.Code) & 0xff) << 8) | (int32(e.Signo) & 0xff)
}

// Thread is the saved CPU context of a task.
type Thread struct {
	Regs arch.Regs

	// FPU is the 16 byte aligned FXSAVE area.
	FPU     []byte
	FPUUsed bool
}

// KeyboardSize is the capacity of each task's input ring.
const KeyboardSize = 256

type Task struct {
	// Runqueue membership.
	ilist.Entry

	Kernel *Kernel
	L      hclog.Logger

	Pid  int
	Pgid int
	Sid  int
	Name string
	Cwd  string
	Cred Credentials

	parent   *Task
	children []*Task

	state TaskState
	onRQ  bool
	exit  ExitStatus

	mm     *MM
	fds    *FDTable
	Se     SchedEntity
	Thread Thread

	sig signalState

	// childWait is notified when a child exits or stops.
	childWait waiter.Waiter

	// The wait queue the task sleeps on, if any.
	waitQ  *waiter.Waiter
	waitEv *waiter.Event

	stopEv       *waiter.Event
	continued    bool
	stopSignal   linux.Signal
	stopReported bool

	alarm      itimer
	sleepUntil uint64
	sleepTimer *Timer

	termios  linux.Termios
	keyboard *ringbuf.Buffer
}

func (k *Kernel) newTask(pid int) *Task {
	t := &Task{
		Kernel:   k,
		L:        log.Named("task"),
		Pid:      pid,
		Cwd:      "/",
		fds:      NewFDTable(),
		termios:  linux.DefaultTermios(),
		keyboard: ringbuf.New(KeyboardSize),
	}

	t.Thread.FPU = arch.NewFXSaveArea()
	t.Se.Prio = DefaultPrio
	t.Se.StartRuntime = k.ticks
	t.alarm.task = t

	return t
}

// Context carries t and its credentials into VFS calls.
func (t *Task) Context() context.Context {
	return fs.WithCred(SetTask(context.Background(), t), t.Cred.FS())
}

func (t *Task) State() TaskState {
	return t.state
}

// Alive is false for zombies and dead tasks.
func (t *Task) Alive() bool {
	return t.state != TaskZombie && t.state != TaskDead
}

func (t *Task) Parent() *Task {
	return t.parent
}

func (t *Task) Children() []*Task {
	return append([]*Task(nil), t.children...)
}

func (t *Task) MM() *MM {
	return t.mm
}

func (t *Task) Files() *FDTable {
	return t.fds
}

func (t *Task) ExitStatus() ExitStatus {
	return t.exit
}

func (t *Task) Termios() *linux.Termios {
	return &t.termios
}

func (t *Task) child(pid int) (*Task, bool) {
	for _, c := range t.children {
		if c.Pid == pid {
			return c, true
		}
	}
	return nil, false
}

func (t *Task) removeChild(c *Task) {
	for i, x := range t.children {
		if x == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

func (k *Kernel) createInit() error {
	pid, err := k.pids.Alloc()
	if err != nil {
		return err
	}

	t := k.newTask(pid)
	t.Name = "init"
	t.Pgid = pid
	t.Sid = pid

	mm, err := k.CreateBlankProcessImage(DefaultStackSize)
	if err != nil {
		return err
	}
	t.mm = mm
	t.Thread.Regs = arch.UserFrame(0, mm.StartStack)

	ctx := t.Context()
	for fd := 0; fd < 3; fd++ {
		flags := linux.O_RDWR
		f, err := k.VFS.Open(ctx, "/", "/dev/console", flags, 0)
		if err != nil {
			return err
		}
		if _, err := t.fds.Install(f, 0); err != nil {
			return err
		}
	}

	k.tasks[pid] = t
	k.init = t
	k.Console.SetForeground(t.Pgid)

	k.Sched.Enqueue(t)
	k.Sched.setCurrent(t)
	k.MMU.LoadCR3(mm.Dir.PhysAddr())

	k.initFPU(t)

	return nil
}

// Fork duplicates t. The child resumes from frame with EAX cleared.
func (t *Task) Fork(frame *arch.Regs) (*Task, error) {
	k := t.Kernel

	pid, err := k.pids.Alloc()
	if err != nil {
		return nil, err
	}

	mm, err := k.CloneProcessImage(t.mm)
	if err != nil {
		k.pids.Free(pid)
		return nil, err
	}

	c := k.newTask(pid)
	c.Name = t.Name
	c.Cwd = t.Cwd
	c.Cred = t.Cred
	c.Pgid = t.Pgid
	c.Sid = t.Sid
	c.parent = t
	c.mm = mm
	c.fds = t.fds.Fork()
	c.termios = t.termios

	c.Se.Prio = t.Se.Prio
	c.Se.Vruntime = t.Se.Vruntime

	t.sig.mu.Lock()
	c.sig.actions = t.sig.actions
	c.sig.blocked = t.sig.blocked
	c.sig.sigreturn = t.sig.sigreturn
	t.sig.mu.Unlock()

	c.Thread.Regs = *frame
	c.Thread.Regs.EAX = 0

	k.forkFPU(t, c)

	t.children = append(t.children, c)
	k.tasks[pid] = c
	k.Sched.Enqueue(c)

	t.L.Trace("process-fork", "parent", t.Pid, "child", pid)

	return c, nil
}

// Exit turns t into a zombie. Its address space, descriptors and timers
// go away now; the task record stays until the parent reaps it.
func (t *Task) Exit(status ExitStatus) {
	k := t.Kernel

	if !t.Alive() {
		return
	}

	if t == k.init {
		k.Panic(&t.Thread.Regs, "attempted to kill init (status %#x)", status.Status())
	}

	log.L.Trace("process-exit", "pid", t.Pid, "code", status.Code, "signal", status.Signo)

	t.fds.CloseAll(t.Context(), k.VFS)

	t.cancelWait()
	t.cancelStop()
	t.alarm.stop()
	if t.sleepTimer != nil {
		k.DelTimer(t.sleepTimer)
		t.sleepTimer = nil
	}

	if k.fpuOwner == t {
		k.fpuOwner = nil
	}

	if t.mm != nil {
		k.DestroyProcessImage(t.mm)
		t.mm = nil
	}

	if t.Se.IsPeriodic {
		k.Sched.clearPeriodic(t)
	}

	t.exit = status
	t.state = TaskZombie

	reaper := k.init
	orphans := false
	for _, c := range t.children {
		c.parent = reaper
		reaper.children = append(reaper.children, c)
		if c.state == TaskZombie {
			orphans = true
		}
	}
	t.children = nil

	if orphans {
		k.notifyParent(reaper, nil, linux.CLD_EXITED)
	}

	code := int32(linux.CLD_EXITED)
	if status.Signo != 0 {
		code = linux.CLD_KILLED
	}
	k.notifyParent(t.parent, t, code)
}

// notifyParent posts SIGCHLD and wakes waiters in waitpid.
func (k *Kernel) notifyParent(p, c *Task, code int32) {
	if p == nil {
		return
	}

	info := &linux.Siginfo{Signo: int32(linux.SIGCHLD), Code: code}
	if c != nil {
		info.Pid = int32(c.Pid)
		info.Uid = int32(c.Cred.UID)
		info.Status = c.exit.Status()
	}

	if code == linux.CLD_STOPPED && p.sig.action(linux.SIGCHLD).Flags&linux.SA_NOCLDSTOP != 0 {
		p.childWait.Notify(waiter.EventStopped)
		return
	}

	if err := k.SendSignal(p, linux.SIGCHLD, info); err != nil {
		k.L.Debug("sigchld-dropped", "parent", p.Pid, "error", err)
	}

	if code == linux.CLD_STOPPED {
		p.childWait.Notify(waiter.EventStopped)
	} else {
		p.childWait.Notify(waiter.EventChildExit)
	}
}

// reap releases a zombie child.
func (t *Task) reap(c *Task) ExitStatus {
	k := t.Kernel

	t.removeChild(c)
	k.Sched.Dequeue(c)
	k.pids.Free(c.Pid)
	delete(k.tasks, c.Pid)

	c.state = TaskDead

	t.L.Trace("process-reap", "parent", t.Pid, "pid", c.Pid, "status", c.exit.Status())

	return c.exit
}

// ReapZombies reaps every zombie child without blocking.
func (t *Task) ReapZombies() int {
	n := 0
	for _, c := range t.Children() {
		if c.state == TaskZombie {
			t.reap(c)
			n++
		}
	}
	return n
}

// Waitpid reaps a zombie child matching pid (-1 for any). When none is
// ready and WNOHANG is clear it blocks the task and returns ERESTARTSYS
// so the call is issued again once a child changes state.
func (t *Task) Waitpid(pid, options int) (int, int32, error) {
	if options&^(linux.WNOHANG|linux.WUNTRACED) != 0 {
		return 0, 0, abi.EINVAL
	}

	if pid < -1 || pid == 0 {
		return 0, 0, abi.ESRCH
	}

	var candidates []*Task
	for _, c := range t.children {
		if pid == -1 || c.Pid == pid {
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		return 0, 0, ErrNoChild
	}

	for _, c := range candidates {
		if c.state == TaskZombie {
			status := t.reap(c)
			return c.Pid, status.Status(), nil
		}
	}

	if options&linux.WUNTRACED != 0 {
		for _, c := range candidates {
			if c.state == TaskStopped && !c.stopReported {
				c.stopReported = true
				return c.Pid, int32(c.stopSignal)<<8 | 0x7f, nil
			}
		}
	}

	if options&linux.WNOHANG != 0 {
		return 0, 0, nil
	}

	mask := waiter.EventChildExit
	if options&linux.WUNTRACED != 0 {
		mask |= waiter.EventStopped
	}

	t.sleepOn(&t.childWait, mask, TaskUninterruptible)

	return 0, 0, abi.ERESTARTSYS
}

// sleepOn parks t on w until an event in mask fires.
func (t *Task) sleepOn(w *waiter.Waiter, mask waiter.EventType, state TaskState) {
	ev := &waiter.Event{
		Mask:    mask,
		Context: t,
		Callback: func(e *waiter.Event) {
			e.Context.(*Task).wake()
		},
	}

	t.waitQ = w
	t.waitEv = ev
	t.state = state

	w.Register(ev)
}

// wake makes a sleeping task runnable.
func (t *Task) wake() {
	if t.waitQ != nil {
		t.waitQ.Unregister(t.waitEv)
		t.waitQ, t.waitEv = nil, nil
	}

	if t.state == TaskInterruptible || t.state == TaskUninterruptible {
		t.state = TaskRunning
	}
}

func (t *Task) cancelWait() {
	if t.waitQ != nil {
		t.waitQ.Unregister(t.waitEv)
		t.waitQ, t.waitEv = nil, nil
	}
}
