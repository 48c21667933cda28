// Package arch models the parts of a 32-bit x86 CPU the kernel touches:
// the interrupt frame, control registers and the FPU save area.
package arch

// Regs is the frame pushed on kernel entry. UserESP and SS are only
// meaningful when the trap came from ring 3.
type Regs struct {
	GS, FS, ES, DS uint32

	EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX uint32

	IntNo, ErrCode uint32

	EIP, CS, EFlags, UserESP, SS uint32
}

const (
	KernelCS = 0x08
	KernelDS = 0x10
	UserCS   = 0x1B
	UserDS   = 0x23

	EFlagsIF       = 1 << 9
	EFlagsReserved = 1 << 1
)

// Trap vectors.
const (
	VectorDivide        = 0
	VectorNoDevice      = 7
	VectorPageFault     = 14
	VectorFPUError      = 16
	VectorTimer         = 32
	VectorKeyboard      = 33
	VectorSyscall       = 0x80
	TrapInstructionSize = 2
)

// Page fault error code bits.
const (
	PFPresent = 1 << 0
	PFWrite   = 1 << 1
	PFUser    = 1 << 2
)

func (r *Regs) UserMode() bool {
	return r.CS&3 == 3
}

// UserFrame returns a fresh ring 3 frame starting at eip with the given
// stack pointer.
func UserFrame(eip, esp uint32) Regs {
	return Regs{
		GS:      UserDS,
		FS:      UserDS,
		ES:      UserDS,
		DS:      UserDS,
		EIP:     eip,
		CS:      UserCS,
		EFlags:  EFlagsIF | EFlagsReserved,
		UserESP: esp,
		SS:      UserDS,
	}
}
