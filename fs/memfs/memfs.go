// Package memfs is an in-memory filesystem holding directories, regular
// files, symbolic links and device nodes. It backs the root mount.
package memfs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
	"github.com/pkg/errors"
)

var Type = &fs.FileSystemType{
	Name: "memfs",
	Mount: func(ctx context.Context, path, device string) (*fs.File, error) {
		return New().Root(), nil
	},
}

type node struct {
	ino   uint32
	mode  uint32
	uid   int
	gid   int
	rdev  uint32
	nlink uint32

	data     []byte
	target   string
	children map[string]*node
	order    []string

	atime, mtime, ctime time.Time
}

func (n *node) isDir() bool {
	return linux.S_ISDIR(n.mode)
}

func (n *node) remove(name string) {
	delete(n.children, name)
	for i, o := range n.order {
		if o == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (n *node) add(name string, child *node) {
	n.children[name] = child
	n.order = append(n.order, name)
}

// FS implements both fs.SysOps and fs.FileOps.
type FS struct {
	fs.StandardFileOps

	mu      sync.Mutex
	root    *node
	nextIno uint32
}

func New() *FS {
	m := &FS{nextIno: 1}
	m.root = m.newNode(linux.S_IFDIR|0755, fs.Root)
	m.root.nlink = 2
	return m
}

func (m *FS) newNode(mode uint32, cred *fs.Cred) *node {
	now := time.Now()

	n := &node{
		ino:   m.nextIno,
		mode:  mode,
		uid:   cred.EUID,
		gid:   cred.EGID,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}
	m.nextIno++

	if linux.S_ISDIR(mode) {
		n.children = make(map[string]*node)
	}

	return n
}

// Root returns a file for the root directory, used as superblock root.
func (m *FS) Root() *fs.File {
	return m.file(m.root)
}

func (m *FS) file(n *node) *fs.File {
	return &fs.File{
		Ino:     n.ino,
		Mode:    n.mode,
		UID:     n.uid,
		GID:     n.gid,
		SysOps:  m,
		Ops:     m,
		Private: n,
	}
}

func split(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (m *FS) lookup(path string) (*node, error) {
	cur := m.root

	for _, part := range split(path) {
		if !cur.isDir() {
			return nil, errors.Wrapf(fs.ErrNotDirectory, "component %s", part)
		}

		next, ok := cur.children[part]
		if !ok {
			return nil, errors.Wrapf(fs.ErrUnknownPath, "%s", path)
		}

		cur = next
	}

	return cur, nil
}

func (m *FS) lookupParent(path string) (*node, string, error) {
	parts := split(path)
	if len(parts) == 0 {
		return nil, "", errors.Wrapf(fs.ErrBusy, "root directory")
	}

	parent, err := m.lookup(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}

	if !parent.isDir() {
		return nil, "", errors.Wrapf(fs.ErrNotDirectory, "%s", path)
	}

	return parent, parts[len(parts)-1], nil
}

func (m *FS) create(ctx context.Context, path string, mode uint32) (*node, error) {
	parent, name, err := m.lookupParent(path)
	if err != nil {
		return nil, err
	}

	if _, ok := parent.children[name]; ok {
		return nil, errors.Wrapf(fs.ErrExists, "%s", path)
	}

	n := m.newNode(mode, fs.CredFrom(ctx))
	parent.add(name, n)
	parent.mtime = n.ctime

	if n.isDir() {
		n.nlink = 2
		parent.nlink++
	}

	return n, nil
}

func stat(n *node) *fs.Stat {
	size := int64(len(n.data))
	if linux.S_ISLNK(n.mode) {
		size = int64(len(n.target))
	}

	return &fs.Stat{
		Ino:   n.ino,
		Mode:  n.mode,
		Nlink: n.nlink,
		UID:   n.uid,
		GID:   n.gid,
		Rdev:  n.rdev,
		Size:  size,
		Atime: n.atime,
		Mtime: n.mtime,
		Ctime: n.ctime,
	}
}

func setattr(n *node, attr *fs.Attr) {
	if attr.Mask&fs.AttrMode != 0 {
		n.mode = n.mode&linux.S_IFMT | attr.Mode&07777
	}
	if attr.Mask&fs.AttrUID != 0 {
		n.uid = attr.UID
	}
	if attr.Mask&fs.AttrGID != 0 {
		n.gid = attr.GID
	}
	n.ctime = time.Now()
}

func (m *FS) Mkdir(ctx context.Context, path string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.create(ctx, path, linux.S_IFDIR|mode&07777)
	return err
}

func (m *FS) Rmdir(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, name, err := m.lookupParent(path)
	if err != nil {
		return err
	}

	n, ok := parent.children[name]
	if !ok {
		return errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}

	if !n.isDir() {
		return errors.Wrapf(fs.ErrNotDirectory, "%s", path)
	}

	if len(n.children) > 0 {
		return errors.Wrapf(fs.ErrNotEmpty, "%s", path)
	}

	parent.remove(name)
	parent.nlink--

	return nil
}

func (m *FS) Stat(ctx context.Context, path string) (*fs.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.lookup(path)
	if err != nil {
		return nil, err
	}

	return stat(n), nil
}

func (m *FS) Creat(ctx context.Context, path string, mode uint32) (*fs.File, error) {
	return m.Open(ctx, path, linux.O_CREAT|linux.O_WRONLY|linux.O_TRUNC, mode)
}

func (m *FS) Symlink(ctx context.Context, target, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.create(ctx, path, linux.S_IFLNK|0777)
	if err != nil {
		return err
	}

	n.target = target
	return nil
}

func (m *FS) Setattr(ctx context.Context, path string, attr *fs.Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.lookup(path)
	if err != nil {
		return err
	}

	setattr(n, attr)
	return nil
}

func (m *FS) Open(ctx context.Context, path string, flags int, mode uint32) (*fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.lookup(path)
	if err != nil {
		if errors.Cause(err) != fs.ErrUnknownPath || flags&linux.O_CREAT == 0 {
			return nil, err
		}

		n, err = m.create(ctx, path, linux.S_IFREG|mode&07777)
		if err != nil {
			return nil, err
		}
	}

	if flags&linux.O_TRUNC != 0 && flags&linux.O_ACCMODE != linux.O_RDONLY && linux.S_ISREG(n.mode) {
		n.data = nil
		n.mtime = time.Now()
	}

	return m.file(n), nil
}

func (m *FS) Unlink(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, name, err := m.lookupParent(path)
	if err != nil {
		return err
	}

	n, ok := parent.children[name]
	if !ok {
		return errors.Wrapf(fs.ErrUnknownPath, "%s", path)
	}

	if n.isDir() {
		return errors.Wrapf(fs.ErrIsDirectory, "%s", path)
	}

	parent.remove(name)
	n.nlink--

	return nil
}

func (m *FS) Readlink(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.lookup(path)
	if err != nil {
		return "", err
	}

	if !linux.S_ISLNK(n.mode) {
		return "", errors.Wrapf(fs.ErrNotSymlink, "%s", path)
	}

	return n.target, nil
}

func (m *FS) Read(ctx context.Context, f *fs.File, buf []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := f.Private.(*node)
	n.atime = time.Now()

	if off >= int64(len(n.data)) {
		return 0, nil
	}

	return copy(buf, n.data[off:]), nil
}

func (m *FS) Write(ctx context.Context, f *fs.File, data []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := f.Private.(*node)

	if end := off + int64(len(data)); end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}

	copy(n.data[off:], data)
	n.mtime = time.Now()

	return len(data), nil
}

func (m *FS) Lseek(ctx context.Context, f *fs.File, off int64, whence int) (int64, error) {
	m.mu.Lock()
	size := int64(len(f.Private.(*node).data))
	m.mu.Unlock()

	return fs.GenericLseek(f, off, whence, size)
}

func (m *FS) Fstat(ctx context.Context, f *fs.File) (*fs.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return stat(f.Private.(*node)), nil
}

func (m *FS) Getdents(ctx context.Context, f *fs.File, off int, emit func(d fs.Dirent) bool) (int, error) {
	m.mu.Lock()
	n := f.Private.(*node)
	if !n.isDir() {
		m.mu.Unlock()
		return 0, fs.ErrNotDirectory
	}

	var ents []fs.Dirent
	if off < len(n.order) {
		for _, name := range n.order[off:] {
			c := n.children[name]
			ents = append(ents, fs.Dirent{Ino: c.ino, Type: linux.DirentType(c.mode), Name: name})
		}
	}
	m.mu.Unlock()

	count := 0
	for _, d := range ents {
		if !emit(d) {
			break
		}
		count++
	}

	return count, nil
}

func (m *FS) Fsetattr(ctx context.Context, f *fs.File, attr *fs.Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := f.Private.(*node)
	setattr(n, attr)
	f.Mode, f.UID, f.GID = n.mode, n.uid, n.gid

	return nil
}

// MkdirAll creates path and any missing parents as root.
func (m *FS) MkdirAll(path string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.root
	for _, part := range split(path) {
		next, ok := cur.children[part]
		if !ok {
			next = m.newNode(linux.S_IFDIR|mode&07777, fs.Root)
			next.nlink = 2
			cur.add(part, next)
			cur.nlink++
		}

		if !next.isDir() {
			return errors.Wrapf(fs.ErrNotDirectory, "%s", part)
		}

		cur = next
	}

	return nil
}

// WriteFile creates or replaces a regular file as root, creating parent
// directories as needed.
func (m *FS) WriteFile(path string, data []byte, mode uint32) error {
	parts := split(path)
	if len(parts) == 0 {
		return fs.ErrIsDirectory
	}

	if err := m.MkdirAll(strings.Join(parts[:len(parts)-1], "/"), 0755); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, name, err := m.lookupParent(path)
	if err != nil {
		return err
	}

	n, ok := parent.children[name]
	if !ok {
		n = m.newNode(linux.S_IFREG|mode&07777, fs.Root)
		parent.add(name, n)
	}

	if n.isDir() {
		return errors.Wrapf(fs.ErrIsDirectory, "%s", path)
	}

	n.mode = n.mode&linux.S_IFMT | mode&07777
	n.data = append([]byte(nil), data...)

	return nil
}

// SymlinkAll creates a symbolic link as root.
func (m *FS) SymlinkAll(target, path string) error {
	return m.Symlink(context.Background(), target, path)
}

// Chown sets the owner of an existing node.
func (m *FS) Chown(path string, uid, gid int) error {
	return m.Setattr(context.Background(), path, &fs.Attr{Mask: fs.AttrUID | fs.AttrGID, UID: uid, GID: gid})
}
