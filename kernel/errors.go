package kernel

import (
	"github.com/evanphx/x86core/abi"
	"github.com/pkg/errors"
)

var (
	ErrNoChild      = errors.Wrap(abi.ECHILD, "no matching child")
	ErrNoTask       = errors.Wrap(abi.ESRCH, "no such task")
	ErrNoPids       = errors.Wrap(abi.EAGAIN, "pid space exhausted")
	ErrBadFD        = errors.Wrap(abi.EBADF, "bad file descriptor")
	ErrTooManyFiles = errors.Wrap(abi.EMFILE, "descriptor table full")
	ErrQueueFull    = errors.Wrap(abi.EAGAIN, "pending signal queue full")
	ErrBadAddress   = errors.Wrap(abi.EFAULT, "bad user address")
	ErrNotPeriodic  = errors.Wrap(abi.EINVAL, "task is not periodic")
	ErrUnresolved   = errors.New("unresolvable page fault")
)
