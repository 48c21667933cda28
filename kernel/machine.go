package kernel

import (
	"encoding/binary"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/memory/paging"
	"github.com/pkg/errors"
)

// ErrInterrupted is returned by Machine accesses that did not complete
// because the fault delivered a signal or switched tasks.
var ErrInterrupted = errors.New("user access interrupted")

// Machine stands in for user mode. It owns the live register frame of the
// task on the CPU and turns memory accesses, FPU use and traps into the
// kernel entry points.
type Machine struct {
	K *Kernel

	// Trap is the syscall entry, installed by the syscalls package.
	Trap func(frame *arch.Regs)

	regs arch.Regs
}

func NewMachine(k *Kernel) *Machine {
	m := &Machine{K: k}
	m.Reload()
	return m
}

// Reload copies the saved frame of the current task onto the CPU.
func (m *Machine) Reload() {
	if t := m.K.Current(); t != nil {
		m.regs = t.Thread.Regs
	}
}

// Regs is the live frame.
func (m *Machine) Regs() *arch.Regs {
	return &m.regs
}

func (m *Machine) Current() *Task {
	return m.K.Current()
}

// Become switches the CPU to t as if the scheduler had picked it.
func (m *Machine) Become(t *Task) {
	m.K.Sched.Switch(&m.regs, t)
}

// Tick raises one timer interrupt.
func (m *Machine) Tick() {
	m.regs.IntNo = arch.VectorTimer
	m.K.Timer(&m.regs)
}

// Keyboard feeds input and returns from the keyboard interrupt.
func (m *Machine) Keyboard(data []byte) int {
	n := m.K.FeedKeyboard(data)
	m.regs.IntNo = arch.VectorKeyboard
	m.K.Sched.Run(&m.regs)
	return n
}

func (m *Machine) access(v uint32, buf []byte, write bool) error {
	k := m.K
	t := k.Current()
	eip := m.regs.EIP

	done := 0
	for tries := 0; done < len(buf); {
		var (
			n   int
			err error
		)

		if write {
			n, err = k.MMU.Write(v+uint32(done), buf[done:], true)
		} else {
			n, err = k.MMU.Read(v+uint32(done), buf[done:], true)
		}
		done += n

		if err == nil {
			continue
		}

		fault, ok := err.(*paging.Fault)
		if !ok {
			return err
		}

		if tries++; tries > maxFaultRetries {
			return errors.Wrapf(ErrBadAddress, "fault loop at %#x", fault.Addr)
		}

		k.CPU.CR2 = fault.Addr
		m.regs.ErrCode = fault.Code
		m.regs.IntNo = arch.VectorPageFault

		k.PageFault(&m.regs)

		if k.Current() != t || m.regs.EIP != eip {
			return ErrInterrupted
		}
	}

	return nil
}

// Load reads user memory of the current task.
func (m *Machine) Load(v uint32, buf []byte) error {
	return m.access(v, buf, false)
}

// Store writes user memory of the current task. COW and protection faults
// run the page fault handler.
func (m *Machine) Store(v uint32, data []byte) error {
	return m.access(v, data, true)
}

func (m *Machine) Load32(v uint32) (uint32, error) {
	var b [4]byte
	if err := m.Load(v, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Machine) Store32(v, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return m.Store(v, b[:])
}

// UseFPU runs fn as an FPU instruction, taking the device not available
// trap first when CR0.TS is set.
func (m *Machine) UseFPU(fn func(f *arch.FPU)) error {
	k := m.K

	err := k.CPU.Exec(fn)
	if err != arch.ErrFPUDisabled {
		return err
	}

	m.regs.IntNo = arch.VectorNoDevice
	k.DeviceNotAvailable(&m.regs)

	return k.CPU.Exec(fn)
}

// FPUFault raises a floating point error in the current task.
func (m *Machine) FPUFault() {
	m.regs.IntNo = arch.VectorFPUError
	m.K.FPUError(&m.regs)
}

// Syscall loads the arguments and executes the trap instruction. It
// returns the value left in EAX and whether the call completed; a call
// that must wait is left rewound and issued again by Restart once the
// task runs.
func (m *Machine) Syscall(nr uint32, args ...uint32) (int32, bool) {
	t := m.K.Current()
	if t == nil || !runnable(t) {
		return 0, false
	}

	regs := []*uint32{&m.regs.EBX, &m.regs.ECX, &m.regs.EDX, &m.regs.ESI, &m.regs.EDI, &m.regs.EBP}
	for i, a := range args {
		if i < len(regs) {
			*regs[i] = a
		}
	}

	m.regs.EAX = nr

	return m.trap(t)
}

// Restart executes the trap under EIP again with the registers as they
// are, for a call that was rewound.
func (m *Machine) Restart() (int32, bool) {
	t := m.K.Current()
	if t == nil || !runnable(t) {
		return 0, false
	}

	return m.trap(t)
}

func (m *Machine) trap(t *Task) (int32, bool) {
	if m.Trap == nil {
		panic("machine has no syscall entry installed")
	}

	start := m.regs.EIP

	m.regs.IntNo = arch.VectorSyscall
	m.regs.EIP += arch.TrapInstructionSize

	m.Trap(&m.regs)

	// The scheduler stored the frame of t before any signal or switch.
	res := t.Thread.Regs

	return int32(res.EAX), res.EIP != start
}

// ReturnFromHandler executes the handler's return: it pops the return
// address and runs the sigreturn trap found there.
func (m *Machine) ReturnFromHandler() error {
	ret, err := m.Load32(m.regs.UserESP)
	if err != nil {
		return err
	}

	m.regs.UserESP += 4
	m.regs.EIP = ret

	if _, done := m.Syscall(linux.SYS_SIGRETURN); !done {
		return ErrInterrupted
	}

	return nil
}
