package kernel

import (
	"bytes"
	"encoding/binary"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/memory"
	"github.com/pkg/errors"
)

const (
	// MaxArgs bounds argv and envp arrays read from user memory.
	MaxArgs = 256

	// MaxArgLen bounds each string of argv and envp.
	MaxArgLen = 4096
)

func (t *Task) loaded() bool {
	return t.mm != nil && t.mm.Dir.PhysAddr() == t.Kernel.MMU.CR3()
}

func (t *Task) checkRange(addr uint32, n int, write bool) error {
	if t.mm == nil {
		return ErrBadAddress
	}

	end := uint64(addr) + uint64(n)
	if end > memory.ProcAreaEnd {
		return errors.Wrapf(ErrBadAddress, "%#x+%d", addr, n)
	}

	for cur := uint64(addr); cur < end; {
		reg, ok := t.mm.VM.FindRegion(uint32(cur))
		if !ok || (write && !reg.Writable()) {
			return errors.Wrapf(ErrBadAddress, "%#x", uint32(cur))
		}
		cur = uint64(reg.End)
	}

	return nil
}

// ReadBytes copies user memory of t at addr into buf.
func (t *Task) ReadBytes(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	if err := t.checkRange(addr, len(buf), false); err != nil {
		return err
	}

	if t.loaded() {
		return t.Kernel.ReadKernel(addr, buf)
	}

	return t.Kernel.Arena.ReadFrom(t.mm.Dir, addr, buf)
}

// WriteBytes stores data into the user memory of t. COW pages are broken
// by the fault path as the kernel writes them.
func (t *Task) WriteBytes(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := t.checkRange(addr, len(data), true); err != nil {
		return err
	}

	if t.loaded() {
		return t.Kernel.WriteKernel(addr, data)
	}

	return t.Kernel.Arena.WriteTo(t.mm.Dir, addr, data)
}

type readAdapter struct {
	t    *Task
	addr uint32
}

func (ra *readAdapter) Read(b []byte) (int, error) {
	if err := ra.t.ReadBytes(ra.addr, b); err != nil {
		return 0, err
	}
	ra.addr += uint32(len(b))
	return len(b), nil
}

type writeAdapter struct {
	t    *Task
	addr uint32
}

func (wa *writeAdapter) Write(b []byte) (int, error) {
	if err := wa.t.WriteBytes(wa.addr, b); err != nil {
		return 0, err
	}
	wa.addr += uint32(len(b))
	return len(b), nil
}

// CopyIn decodes a fixed size value from user memory.
func (t *Task) CopyIn(addr uint32, val interface{}) error {
	return binary.Read(&readAdapter{t: t, addr: addr}, binary.LittleEndian, val)
}

// CopyOut encodes val into user memory in one write.
func (t *Task) CopyOut(addr uint32, val interface{}) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, val); err != nil {
		return err
	}
	return t.WriteBytes(addr, buf.Bytes())
}

// ReadCString reads a NUL terminated string of at most max bytes.
func (t *Task) ReadCString(addr uint32, max int) (string, error) {
	var out []byte

	for len(out) < max {
		n := int(memory.PageSize - (addr+uint32(len(out)))&memory.PageMask)
		if n > max-len(out) {
			n = max - len(out)
		}

		chunk := make([]byte, n)
		if err := t.ReadBytes(addr+uint32(len(out)), chunk); err != nil {
			return "", err
		}

		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}

		out = append(out, chunk...)
	}

	return "", errors.Wrapf(abi.ENAMETOOLONG, "string at %#x", addr)
}

// ReadStringArray reads a NULL terminated array of string pointers.
func (t *Task) ReadStringArray(addr uint32) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}

	var out []string

	for i := 0; ; i++ {
		if i >= MaxArgs {
			return nil, abi.E2BIG
		}

		var ptr uint32
		if err := t.CopyIn(addr+uint32(i*4), &ptr); err != nil {
			return nil, err
		}

		if ptr == 0 {
			return out, nil
		}

		s, err := t.ReadCString(ptr, MaxArgLen)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}
}
