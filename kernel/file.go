package kernel

import (
	"context"
	"sync"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
)

const (
	// MaxOpenFD is the initial capacity of a descriptor table.
	MaxOpenFD = 16

	// NROpen bounds how far a table may grow.
	NROpen = 1024
)

type fdEntry struct {
	file  *fs.File
	flags int
}

// FDTable maps descriptors to open files. The array is allocated on first
// use and doubled when full.
type FDTable struct {
	mu  sync.Mutex
	fds []fdEntry
}

func NewFDTable() *FDTable {
	return &FDTable{}
}

func (t *FDTable) grow(min int) error {
	size := len(t.fds)
	if size == 0 {
		size = MaxOpenFD
	}

	for size <= min {
		size *= 2
	}

	if size > NROpen {
		if min >= NROpen {
			return ErrTooManyFiles
		}
		size = NROpen
	}

	fds := make([]fdEntry, size)
	copy(fds, t.fds)
	t.fds = fds

	return nil
}

// Install stores f at the lowest free descriptor. The table takes over
// the caller's reference.
func (t *FDTable) Install(f *fs.File, flags int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fd := range t.fds {
		if t.fds[fd].file == nil {
			t.fds[fd] = fdEntry{file: f, flags: flags}
			return fd, nil
		}
	}

	fd := len(t.fds)
	if err := t.grow(fd); err != nil {
		return 0, err
	}

	t.fds[fd] = fdEntry{file: f, flags: flags}
	return fd, nil
}

// InstallAt puts f at fd, returning the file it replaced, if any.
func (t *FDTable) InstallAt(fd int, f *fs.File, flags int) (*fs.File, error) {
	if fd < 0 {
		return nil, ErrBadFD
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.fds) {
		if err := t.grow(fd); err != nil {
			return nil, err
		}
	}

	old := t.fds[fd].file
	t.fds[fd] = fdEntry{file: f, flags: flags}

	return old, nil
}

func (t *FDTable) Get(fd int) (*fs.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		return nil, false
	}

	return t.fds[fd].file, true
}

func (t *FDTable) Flags(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		return 0, ErrBadFD
	}

	return t.fds[fd].flags, nil
}

func (t *FDTable) SetFlags(fd, flags int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		return ErrBadFD
	}

	t.fds[fd].flags = flags
	return nil
}

// Remove detaches fd and hands its reference to the caller.
func (t *FDTable) Remove(fd int) (*fs.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		return nil, ErrBadFD
	}

	f := t.fds[fd].file
	t.fds[fd] = fdEntry{}

	return f, nil
}

// Cap is the current array size.
func (t *FDTable) Cap() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.fds)
}

// Len is the number of open descriptors.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.fds {
		if e.file != nil {
			n++
		}
	}
	return n
}

// Fork copies the table, taking a reference on every open file.
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &FDTable{}
	if t.fds == nil {
		return c
	}

	c.fds = make([]fdEntry, len(t.fds))
	for fd, e := range t.fds {
		if e.file != nil {
			e.file.IncRef()
			c.fds[fd] = e
		}
	}

	return c
}

func (t *FDTable) drain(keep func(e fdEntry) bool) []*fs.File {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*fs.File
	for fd, e := range t.fds {
		if e.file != nil && !keep(e) {
			out = append(out, e.file)
			t.fds[fd] = fdEntry{}
		}
	}
	return out
}

// CloseAll drops every descriptor.
func (t *FDTable) CloseAll(ctx context.Context, vfs *fs.VFS) {
	for _, f := range t.drain(func(fdEntry) bool { return false }) {
		vfs.Close(ctx, f)
	}
}

// CloseOnExec drops the descriptors marked FD_CLOEXEC.
func (t *FDTable) CloseOnExec(ctx context.Context, vfs *fs.VFS) {
	keep := func(e fdEntry) bool { return e.flags&linux.FD_CLOEXEC == 0 }
	for _, f := range t.drain(keep) {
		vfs.Close(ctx, f)
	}
}

// OpenFile opens path relative to t's working directory and installs it.
func (t *Task) OpenFile(ctx context.Context, path string, flags int, mode uint32) (int, error) {
	f, err := t.Kernel.VFS.Open(ctx, t.Cwd, path, flags, mode)
	if err != nil {
		return 0, err
	}

	fdflags := 0
	if flags&linux.O_CLOEXEC != 0 {
		fdflags = linux.FD_CLOEXEC
	}

	fd, err := t.fds.Install(f, fdflags)
	if err != nil {
		t.Kernel.VFS.Close(ctx, f)
		return 0, err
	}

	return fd, nil
}

func (t *Task) GetFile(fd int) (*fs.File, bool) {
	return t.fds.Get(fd)
}

func (t *Task) CloseFile(ctx context.Context, fd int) error {
	f, err := t.fds.Remove(fd)
	if err != nil {
		return err
	}

	return t.Kernel.VFS.Close(ctx, f)
}

// Dup installs a second descriptor for the file at fd.
func (t *Task) Dup(fd int) (int, error) {
	f, ok := t.fds.Get(fd)
	if !ok {
		return 0, ErrBadFD
	}

	nfd, err := t.fds.Install(t.Kernel.VFS.Dup(f), 0)
	if err != nil {
		t.Kernel.VFS.Close(t.Context(), f)
		return 0, err
	}

	return nfd, nil
}

func (t *Task) Dup2(from, to int) (int, error) {
	f, ok := t.fds.Get(from)
	if !ok {
		return 0, ErrBadFD
	}

	if from == to {
		return to, nil
	}

	old, err := t.fds.InstallAt(to, t.Kernel.VFS.Dup(f), 0)
	if err != nil {
		t.Kernel.VFS.Close(t.Context(), f)
		return 0, err
	}

	if old != nil {
		t.Kernel.VFS.Close(t.Context(), old)
	}

	return to, nil
}

// Chdir changes the working directory after checking search permission.
func (t *Task) Chdir(ctx context.Context, path string) error {
	abs, err := t.Kernel.VFS.ResolvePath(ctx, t.Cwd, path, fs.FollowLinks|fs.RemoveTrailingSlash)
	if err != nil {
		return err
	}

	st, err := t.Kernel.VFS.Stat(ctx, "/", abs, true)
	if err != nil {
		return err
	}

	if st.Type() != fs.Directory {
		return fs.ErrNotDirectory
	}

	if err := fs.CheckPermission(t.Cred.FS(), st, linux.MAY_EXEC); err != nil {
		return err
	}

	t.Cwd = abs
	return nil
}

func (t *Task) Fchdir(ctx context.Context, fd int) error {
	f, ok := t.fds.Get(fd)
	if !ok {
		return ErrBadFD
	}

	return t.Chdir(ctx, f.Name)
}
