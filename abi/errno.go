// Package abi holds the kernel/user binary interface: error numbers and
// the wire layout of structures exchanged through system calls.
package abi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errno is a positive error number. Syscalls return its negation.
type Errno int32

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	ESRCH        Errno = 3
	EINTR        Errno = 4
	EIO          Errno = 5
	ENXIO        Errno = 6
	E2BIG        Errno = 7
	ENOEXEC      Errno = 8
	EBADF        Errno = 9
	ECHILD       Errno = 10
	EAGAIN       Errno = 11
	ENOMEM       Errno = 12
	EACCES       Errno = 13
	EFAULT       Errno = 14
	EBUSY        Errno = 16
	EEXIST       Errno = 17
	EXDEV        Errno = 18
	ENODEV       Errno = 19
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	ENFILE       Errno = 23
	EMFILE       Errno = 24
	ENOTTY       Errno = 25
	EFBIG        Errno = 27
	ENOSPC       Errno = 28
	ESPIPE       Errno = 29
	EROFS        Errno = 30
	EMLINK       Errno = 31
	EPIPE        Errno = 32
	ERANGE       Errno = 34
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38
	ENOTEMPTY    Errno = 39
	ELOOP        Errno = 40

	// ENOTSCHEDULABLE rejects a periodic task that fails admission.
	ENOTSCHEDULABLE Errno = 200

	// Never seen by user code. ERESTARTSYS rewinds the trap so the call is
	// issued again; EJUSTRETURN leaves the register frame untouched.
	ERESTARTSYS Errno = 512
	EJUSTRETURN Errno = 518
)

var names = map[Errno]string{
	EPERM:           "operation not permitted",
	ENOENT:          "no such file or directory",
	ESRCH:           "no such process",
	EINTR:           "interrupted system call",
	EIO:             "input/output error",
	ENXIO:           "no such device or address",
	E2BIG:           "argument list too long",
	ENOEXEC:         "exec format error",
	EBADF:           "bad file descriptor",
	ECHILD:          "no child processes",
	EAGAIN:          "resource temporarily unavailable",
	ENOMEM:          "cannot allocate memory",
	EACCES:          "permission denied",
	EFAULT:          "bad address",
	EBUSY:           "device or resource busy",
	EEXIST:          "file exists",
	EXDEV:           "invalid cross-device link",
	ENODEV:          "no such device",
	ENOTDIR:         "not a directory",
	EISDIR:          "is a directory",
	EINVAL:          "invalid argument",
	ENFILE:          "too many open files in system",
	EMFILE:          "too many open files",
	ENOTTY:          "inappropriate ioctl for device",
	EFBIG:           "file too large",
	ENOSPC:          "no space left on device",
	ESPIPE:          "illegal seek",
	EROFS:           "read-only file system",
	EMLINK:          "too many links",
	EPIPE:           "broken pipe",
	ERANGE:          "numerical result out of range",
	ENAMETOOLONG:    "file name too long",
	ENOSYS:          "function not implemented",
	ENOTEMPTY:       "directory not empty",
	ELOOP:           "too many levels of symbolic links",
	ENOTSCHEDULABLE: "task set not schedulable",
	ERESTARTSYS:     "restart system call",
	EJUSTRETURN:     "just return",
}

func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Ret is the syscall return value carrying e.
func (e Errno) Ret() int32 {
	return -int32(e)
}

// FromError maps err to a positive errno. Errors that carry no errno
// become EIO; nil is 0.
func FromError(err error) Errno {
	if err == nil {
		return 0
	}

	if e, ok := errors.Cause(err).(Errno); ok {
		return e
	}

	return EIO
}
