package fs

import (
	"context"
	"strings"

	"github.com/evanphx/x86core/abi/linux"
)

// mountChild returns the first component of mount below dir, or "" when
// mount is not a direct child of dir.
func mountChild(dir, mount string) string {
	if mount == dir || !covers(dir, mount) {
		return ""
	}

	rest := mount[len(dir):]
	if dir == "/" {
		rest = mount
	}
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" || strings.IndexByte(rest, '/') >= 0 {
		return ""
	}

	return rest
}

// Getdents passes the entries of directory f to emit, starting where the
// previous call stopped. Entries from the filesystem come first, followed
// by the mount points directly below f that the filesystem does not list.
// It returns the number of entries emit accepted.
func (v *VFS) Getdents(ctx context.Context, f *File, emit func(d Dirent) bool) (int, error) {
	if f.Type() != Directory {
		return 0, ErrNotDirectory
	}

	total := 0
	full := false

	if !f.nativeDone {
		n, err := f.Ops.Getdents(ctx, f, int(f.Pos), func(d Dirent) bool {
			if !emit(d) {
				full = true
				return false
			}
			return true
		})
		if err != nil {
			return 0, err
		}

		f.Pos += int64(n)
		total += n

		if full {
			return total, nil
		}

		f.nativeDone = true
	}

	// Names the filesystem already has, gathered without v.mu held.
	native := map[string]bool{}
	_, err := f.Ops.Getdents(ctx, f, 0, func(d Dirent) bool {
		native[d.Name] = true
		return true
	})
	if err != nil {
		return total, err
	}

	dir := Clean(f.Name)

	var synth []Dirent

	v.mu.Lock()
	for it := v.supers.Front(); it != nil; it = it.Next() {
		sb := it.(*Superblock)

		name := mountChild(dir, sb.Path)
		if name == "" || native[name] {
			continue
		}

		native[name] = true
		synth = append(synth, Dirent{
			Ino:  sb.Root.Ino,
			Type: linux.DirentType(sb.Root.Mode),
			Name: name,
		})
	}
	v.mu.Unlock()

	for f.mountPos < len(synth) {
		if !emit(synth[f.mountPos]) {
			break
		}
		f.mountPos++
		total++
	}

	return total, nil
}

// Rewind restarts a directory listing.
func (v *VFS) Rewind(f *File) {
	f.Pos = 0
	f.mountPos = 0
	f.nativeDone = false
}
