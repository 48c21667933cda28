package fs

import (
	"context"

	"github.com/evanphx/x86core/abi/linux"
)

// Cred is the identity a filesystem operation runs with.
type Cred struct {
	UID, GID   int
	EUID, EGID int
}

// Root is the credential used when a context carries none.
var Root = &Cred{}

func (c *Cred) IsRoot() bool {
	return c.EUID == 0
}

type credkey struct{}

func WithCred(ctx context.Context, c *Cred) context.Context {
	return context.WithValue(ctx, credkey{}, c)
}

func CredFrom(ctx context.Context) *Cred {
	if v := ctx.Value(credkey{}); v != nil {
		return v.(*Cred)
	}
	return Root
}

// CheckPermission tests mask (MAY_READ|MAY_WRITE|MAY_EXEC) against the
// owner, group or other triad of st. Root passes everything except exec
// of a file with no exec bit at all.
func CheckPermission(c *Cred, st *Stat, mask int) error {
	if c.IsRoot() {
		if mask&linux.MAY_EXEC != 0 && !linux.S_ISDIR(st.Mode) && st.Mode&0111 == 0 {
			return ErrPermission
		}
		return nil
	}

	var bits uint32
	switch {
	case c.EUID == st.UID:
		bits = (st.Mode >> 6) & 7
	case c.EGID == st.GID:
		bits = (st.Mode >> 3) & 7
	default:
		bits = st.Mode & 7
	}

	if uint32(mask)&bits != uint32(mask) {
		return ErrPermission
	}

	return nil
}

// AccessMask converts open flags into the permission bits they need.
func AccessMask(flags int) int {
	switch flags & linux.O_ACCMODE {
	case linux.O_WRONLY:
		return linux.MAY_WRITE
	case linux.O_RDWR:
		return linux.MAY_READ | linux.MAY_WRITE
	default:
		return linux.MAY_READ
	}
}
