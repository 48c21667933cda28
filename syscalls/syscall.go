package syscalls

import (
	"context"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

type SysArgs struct {
	Index int32

	// Frame is the saved user context of the trap. fork, execve and
	// sigreturn work on it directly.
	Frame *arch.Regs

	Args SyscallRequest
}

// SyscallRequest holds the six register arguments in EBX, ECX, EDX, ESI,
// EDI, EBP order.
type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5 uint32
}

func requestFrom(frame *arch.Regs) SyscallRequest {
	return SyscallRequest{
		R0: frame.EBX,
		R1: frame.ECX,
		R2: frame.EDX,
		R3: frame.ESI,
		R4: frame.EDI,
		R5: frame.EBP,
	}
}

type Handler func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int32

var Syscalls [linux.NR_SYSCALLS]Handler

// ret turns the error of a kernel operation into a syscall return value.
func ret(err error) int32 {
	return abi.FromError(err).Ret()
}
