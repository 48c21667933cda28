package kernel

import (
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
)

// initFPU enables fxsave, initializes the unit and hands it to t.
func (k *Kernel) initFPU(t *Task) {
	k.CPU.EnableFXSR()
	k.CPU.Clts()
	k.CPU.FPU.Reset()
	k.CPU.FPU.Save(t.Thread.FPU)

	t.Thread.FPUUsed = true
	k.fpuOwner = t

	k.L.Debug("fpu-init", "pid", t.Pid, "cr0", k.CPU.CR0, "cr4", k.CPU.CR4)
}

// DeviceNotAvailable is the #NM entry, raised by the first FPU instruction
// after a context switch set CR0.TS.
func (k *Kernel) DeviceNotAvailable(frame *arch.Regs) {
	k.CPU.Clts()

	t := k.Current()
	if k.fpuOwner == t {
		return
	}

	if prev := k.fpuOwner; prev != nil {
		k.CPU.FPU.Save(prev.Thread.FPU)
	}

	if t.Thread.FPUUsed {
		k.CPU.FPU.Restore(t.Thread.FPU)
	} else {
		k.CPU.FPU.Reset()
		t.Thread.FPUUsed = true
	}

	k.L.Trace("fpu-switch", "pid", t.Pid)

	k.fpuOwner = t
}

// FPUError is the #MF entry.
func (k *Kernel) FPUError(frame *arch.Regs) {
	t := k.Current()

	k.forceSignal(t, linux.SIGFPE, &linux.Siginfo{
		Signo: int32(linux.SIGFPE),
		Code:  linux.FPE_FLTINV,
		Addr:  frame.EIP,
	})

	k.Sched.Run(frame)
}

// forkFPU gives the child the parent's FPU context.
func (k *Kernel) forkFPU(parent, child *Task) {
	if k.fpuOwner == parent {
		k.CPU.FPU.Save(child.Thread.FPU)
	} else {
		copy(child.Thread.FPU, parent.Thread.FPU)
	}

	child.Thread.FPUUsed = parent.Thread.FPUUsed
}
