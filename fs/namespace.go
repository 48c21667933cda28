// Package fs is the virtual filesystem layer: the filesystem type
// registry, the flat mount table, path resolution and dispatch of file
// operations to the filesystem owning a path.
package fs

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/evanphx/x86core/pkg/ilist"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// FileSystemType creates mounted instances of one kind of filesystem.
type FileSystemType struct {
	Name string

	// Mount returns the root file of a new instance. device is the
	// type specific source (a host path, an archive, or empty).
	Mount func(ctx context.Context, path, device string) (*File, error)
}

// Superblock anchors one mounted filesystem.
type Superblock struct {
	ilist.Entry

	Name string
	Path string
	Root *File
	Type *FileSystemType
	Dev  uint32
}

// Relative converts an absolute path below the mount point into the path
// handed to the filesystem.
func (sb *Superblock) Relative(abs string) string {
	if sb.Path == "/" {
		return abs
	}

	rel := strings.TrimPrefix(abs, sb.Path)
	if rel == "" {
		return "/"
	}

	return rel
}

type VFS struct {
	L hclog.Logger

	// mu protects types, supers and the lookup cache. It is never held
	// across a call into a filesystem.
	mu      sync.Mutex
	types   map[string]*FileSystemType
	supers  ilist.List
	nextDev uint32

	cache *lru.ARCCache
}

func New(l hclog.Logger) (*VFS, error) {
	cache, err := lru.NewARC(256)
	if err != nil {
		return nil, err
	}

	return &VFS{
		L:       l,
		types:   make(map[string]*FileSystemType),
		cache:   cache,
		nextDev: 1,
	}, nil
}

func (v *VFS) RegisterFilesystem(t *FileSystemType) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.types[t.Name]; ok {
		return errors.Wrapf(ErrBusy, "filesystem %s already registered", t.Name)
	}

	v.types[t.Name] = t
	v.L.Debug("register-filesystem", "name", t.Name)

	return nil
}

func (v *VFS) UnregisterFilesystem(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.types[name]; !ok {
		return errors.Wrapf(ErrNoDevice, "filesystem %s", name)
	}

	for it := v.supers.Front(); it != nil; it = it.Next() {
		if it.(*Superblock).Type.Name == name {
			return errors.Wrapf(ErrBusy, "filesystem %s is mounted", name)
		}
	}

	delete(v.types, name)
	return nil
}

// Mount attaches a new instance of typ at path.
func (v *VFS) Mount(ctx context.Context, typ, path, device string) error {
	path = Clean(path)

	v.mu.Lock()
	t, ok := v.types[typ]
	if !ok {
		v.mu.Unlock()
		return errors.Wrapf(ErrNoDevice, "unknown filesystem %s", typ)
	}

	for it := v.supers.Front(); it != nil; it = it.Next() {
		if it.(*Superblock).Path == path {
			v.mu.Unlock()
			return errors.Wrapf(ErrBusy, "%s already mounted", path)
		}
	}
	v.mu.Unlock()

	root, err := t.Mount(ctx, path, device)
	if err != nil {
		return errors.Wrapf(err, "mounting %s on %s", typ, path)
	}

	root.Name = path
	root.IncRef()

	v.mu.Lock()
	defer v.mu.Unlock()

	sb := &Superblock{
		Name: typ,
		Path: path,
		Root: root,
		Type: t,
		Dev:  v.nextDev,
	}
	v.nextDev++

	v.supers.PushBack(sb)
	v.cache.Purge()

	v.L.Debug("mount", "type", typ, "path", path, "device", device)

	return nil
}

func (v *VFS) Unmount(ctx context.Context, path string) error {
	path = Clean(path)

	v.mu.Lock()

	var sb *Superblock
	for it := v.supers.Front(); it != nil; it = it.Next() {
		s := it.(*Superblock)
		if s.Path == path {
			sb = s
			break
		}
	}

	if sb == nil {
		v.mu.Unlock()
		return errors.Wrapf(ErrInvalid, "%s is not a mount point", path)
	}

	if sb.Root.Refs() > 1 {
		v.mu.Unlock()
		return errors.Wrapf(ErrBusy, "%s has open files", path)
	}

	v.supers.Remove(sb)
	v.cache.Purge()
	v.mu.Unlock()

	v.L.Debug("unmount", "path", path)

	if sb.Root.DecRef() {
		return sb.Root.Ops.Close(ctx, sb.Root)
	}

	return nil
}

// Mounts returns the superblocks ordered by mount path.
func (v *VFS) Mounts() []*Superblock {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []*Superblock
	for it := v.supers.Front(); it != nil; it = it.Next() {
		out = append(out, it.(*Superblock))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

func covers(mount, path string) bool {
	if mount == "/" {
		return true
	}

	if !strings.HasPrefix(path, mount) {
		return false
	}

	return len(path) == len(mount) || path[len(mount)] == '/'
}

// GetSuperblock returns the superblock whose mount path is the longest
// prefix of the absolute path abs.
func (v *VFS) GetSuperblock(abs string) (*Superblock, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if val, ok := v.cache.Get(abs); ok {
		return val.(*Superblock), nil
	}

	var best *Superblock
	for it := v.supers.Front(); it != nil; it = it.Next() {
		sb := it.(*Superblock)
		if !covers(sb.Path, abs) {
			continue
		}

		if best == nil || len(sb.Path) > len(best.Path) {
			best = sb
		}
	}

	if best == nil {
		return nil, errors.Wrapf(ErrUnknownPath, "no filesystem for %s", abs)
	}

	v.cache.Add(abs, best)

	return best, nil
}

// Clean squeezes repeated and trailing separators of an absolute path
// without interpreting "." or "..".
func Clean(path string) string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return "/" + strings.Join(parts, "/")
}

// Parent returns the directory part of an absolute path.
func Parent(abs string) string {
	i := strings.LastIndexByte(abs, '/')
	if i <= 0 {
		return "/"
	}
	return abs[:i]
}

// Base returns the final component of an absolute path.
func Base(abs string) string {
	return abs[strings.LastIndexByte(abs, '/')+1:]
}
