package fs

import "github.com/evanphx/x86core/abi"

// Filesystems return these (possibly wrapped) so the syscall layer can
// recover the errno with abi.FromError.
var (
	ErrNotImplemented error = abi.ENOSYS
	ErrUnknownPath    error = abi.ENOENT
	ErrNotDirectory   error = abi.ENOTDIR
	ErrIsDirectory    error = abi.EISDIR
	ErrNotSymlink     error = abi.EINVAL
	ErrInvalid        error = abi.EINVAL
	ErrExists         error = abi.EEXIST
	ErrNotEmpty       error = abi.ENOTEMPTY
	ErrLoop           error = abi.ELOOP
	ErrPermission     error = abi.EACCES
	ErrNotPermitted   error = abi.EPERM
	ErrBusy           error = abi.EBUSY
	ErrReadOnly       error = abi.EROFS
	ErrBadFile        error = abi.EBADF
	ErrNoDevice       error = abi.ENODEV
	ErrNameTooLong    error = abi.ENAMETOOLONG
	ErrNotTTY         error = abi.ENOTTY
)
