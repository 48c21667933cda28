package kernel

import (
	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/fs"
)

// Credentials are the real, effective and saved ids of a task.
type Credentials struct {
	UID, GID   int
	EUID, EGID int
	SUID, SGID int
}

func (c *Credentials) IsRoot() bool {
	return c.EUID == 0
}

// FS is the identity the VFS checks permissions against.
func (c *Credentials) FS() *fs.Cred {
	return &fs.Cred{UID: c.UID, GID: c.GID, EUID: c.EUID, EGID: c.EGID}
}

// Setuid follows POSIX: root sets every id, anyone else may only move the
// effective id to the real or saved one.
func (t *Task) Setuid(uid int) error {
	if uid < 0 {
		return abi.EINVAL
	}

	c := &t.Cred

	switch {
	case c.IsRoot():
		c.UID, c.EUID, c.SUID = uid, uid, uid
	case uid == c.UID || uid == c.SUID:
		c.EUID = uid
	default:
		return abi.EPERM
	}

	t.L.Trace("setuid", "pid", t.Pid, "uid", c.UID, "euid", c.EUID)
	return nil
}

func (t *Task) Setgid(gid int) error {
	if gid < 0 {
		return abi.EINVAL
	}

	c := &t.Cred

	switch {
	case c.IsRoot():
		c.GID, c.EGID, c.SGID = gid, gid, gid
	case gid == c.GID || gid == c.SGID:
		c.EGID = gid
	default:
		return abi.EPERM
	}

	return nil
}

// Setreuid changes the real and effective uid; -1 leaves one unchanged.
func (t *Task) Setreuid(ruid, euid int) error {
	c := &t.Cred
	nr, ne := c.UID, c.EUID

	if ruid != -1 {
		if !c.IsRoot() && ruid != c.UID && ruid != c.EUID {
			return abi.EPERM
		}
		nr = ruid
	}

	if euid != -1 {
		if !c.IsRoot() && euid != c.UID && euid != c.EUID && euid != c.SUID {
			return abi.EPERM
		}
		ne = euid
	}

	if ruid != -1 || (euid != -1 && euid != c.UID) {
		c.SUID = ne
	}

	c.UID, c.EUID = nr, ne
	return nil
}

func (t *Task) Setregid(rgid, egid int) error {
	c := &t.Cred
	nr, ne := c.GID, c.EGID

	if rgid != -1 {
		if !c.IsRoot() && rgid != c.GID && rgid != c.EGID {
			return abi.EPERM
		}
		nr = rgid
	}

	if egid != -1 {
		if !c.IsRoot() && egid != c.GID && egid != c.EGID && egid != c.SGID {
			return abi.EPERM
		}
		ne = egid
	}

	if rgid != -1 || (egid != -1 && egid != c.GID) {
		c.SGID = ne
	}

	c.GID, c.EGID = nr, ne
	return nil
}

// canSignal reports whether t may send a signal to target.
func (t *Task) canSignal(target *Task) bool {
	c := &t.Cred
	if c.IsRoot() {
		return true
	}

	tc := &target.Cred
	return c.UID == tc.UID || c.UID == tc.SUID || c.EUID == tc.UID || c.EUID == tc.SUID
}
