package syscalls

import (
	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/kernel"
	"github.com/evanphx/x86core/log"
	hclog "github.com/hashicorp/go-hclog"
)

type Invoker struct {
	Kernel *kernel.Kernel
	L      hclog.Logger
}

func NewInvoker(k *kernel.Kernel) *Invoker {
	return &Invoker{
		Kernel: k,
		L:      log.Named("syscall"),
	}
}

// Install makes the invoker the syscall entry of m.
func Install(m *kernel.Machine) *Invoker {
	i := NewInvoker(m.K)
	m.Trap = i.Entry
	return i
}

// InvokeSyscall runs the handler selected by args.Index for the current
// task and returns its raw result.
func (i *Invoker) InvokeSyscall(t *kernel.Task, args SysArgs) int32 {
	if args.Index < 0 || int(args.Index) >= len(Syscalls) {
		return abi.ENOSYS.Ret()
	}

	f := Syscalls[args.Index]
	if f == nil {
		i.L.Debug("syscall-unimplemented", "pid", t.Pid, "nr", args.Index)
		return abi.ENOSYS.Ret()
	}

	return f(t.Context(), i.L, t, args)
}

// Entry is the syscall trap handler. The number is in EAX and the result
// goes back in EAX; the scheduler runs before returning to user mode.
func (i *Invoker) Entry(frame *arch.Regs) {
	k := i.Kernel

	t := k.Current()
	if t == nil {
		k.Panic(frame, "syscall with no current task")
	}

	args := SysArgs{
		Index: int32(frame.EAX),
		Frame: frame,
		Args:  requestFrom(frame),
	}

	r := i.InvokeSyscall(t, args)

	switch abi.Errno(-r) {
	case abi.ERESTARTSYS:
		frame.EIP -= arch.TrapInstructionSize
		i.L.Trace("syscall-restart", "pid", t.Pid, "nr", args.Index)
	case abi.EJUSTRETURN:
	default:
		frame.EAX = uint32(r)
		if args.Index != linux.SYS_WRITE && args.Index != linux.SYS_READ {
			i.L.Trace("syscall", "pid", t.Pid, "nr", args.Index, "ret", r)
		}
	}

	k.Sched.Run(frame)
}
