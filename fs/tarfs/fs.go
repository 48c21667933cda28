// Package tarfs loads a tar archive into a memfs tree. It is used to
// mount an initrd.
package tarfs

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/fs/memfs"
	"github.com/evanphx/x86core/log"
	"github.com/pkg/errors"
)

var Type = &fs.FileSystemType{
	Name: "tarfs",
	Mount: func(ctx context.Context, path, device string) (*fs.File, error) {
		f, err := os.Open(device)
		if err != nil {
			return nil, errors.Wrapf(fs.ErrUnknownPath, "initrd %s: %s", device, err)
		}
		defer f.Close()

		t, err := NewTarFS(f)
		if err != nil {
			return nil, err
		}

		return t.Root(), nil
	},
}

type entry struct {
	name string
	hdr  *tar.Header
}

func (e *entry) String() string {
	return spew.Sdump(e.hdr)
}

type TarFS struct {
	FS      *memfs.FS
	Entries int
}

func cleanName(name string) string {
	if len(name) > 2 && name[:2] == "./" {
		name = name[2:]
	}

	name = strings.TrimPrefix(name, "/")
	name = strings.TrimSuffix(name, "/")

	// root!
	if name == "." {
		return ""
	}

	return name
}

func NewTarFS(r io.Reader) (*TarFS, error) {
	t := &TarFS{FS: memfs.New()}

	if err := Populate(t.FS, r, &t.Entries); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *TarFS) Root() *fs.File {
	return t.FS.Root()
}

// Populate adds every entry of the archive to m. count, when set,
// receives the number of entries applied.
func Populate(m *memfs.FS, r io.Reader, count *int) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return errors.Wrapf(err, "reading archive")
		}

		e := &entry{name: cleanName(hdr.Name), hdr: hdr}

		log.L.Trace("tar-entry", "entry", e)

		if e.name == "" {
			continue
		}

		path := "/" + e.name
		mode := uint32(hdr.Mode) & 07777

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = m.MkdirAll(path, mode)
		case tar.TypeSymlink:
			if err = m.MkdirAll(parent(path), 0755); err == nil {
				err = m.SymlinkAll(hdr.Linkname, path)
			}
		case tar.TypeReg:
			var data []byte
			data, err = io.ReadAll(tr)
			if err == nil {
				err = m.WriteFile(path, data, mode)
			}
		default:
			log.L.Debug("tar-skip-entry", "name", e.name, "type", hdr.Typeflag)
			continue
		}

		if err != nil {
			return errors.Wrapf(err, "applying %s", e.name)
		}

		if err := m.Chown(path, hdr.Uid, hdr.Gid); err != nil {
			return err
		}

		if count != nil {
			*count++
		}
	}

	return nil
}

func parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
