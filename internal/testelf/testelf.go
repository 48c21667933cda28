// Package testelf builds minimal i386 ET_EXEC images.
package testelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type Segment struct {
	Vaddr uint32
	Memsz uint32
	Flags elf.ProgFlag
	Data  []byte
}

// Build returns an executable with one PT_LOAD header per segment.
func Build(entry uint32, segs ...Segment) []byte {
	return BuildWith(elf.ET_EXEC, elf.EM_386, entry, segs...)
}

func BuildWith(typ elf.Type, machine elf.Machine, entry uint32, segs ...Segment) []byte {
	const (
		ehsize    = 52
		phentsize = 32
	)

	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
		Shentsize: 40,
	}

	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)

	off := uint32(ehsize + phentsize*len(segs))

	for _, s := range segs {
		memsz := s.Memsz
		if memsz < uint32(len(s.Data)) {
			memsz = uint32(len(s.Data))
		}

		binary.Write(&buf, binary.LittleEndian, &elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(s.Flags),
			Align:  0x1000,
		})

		off += uint32(len(s.Data))
	}

	for _, s := range segs {
		buf.Write(s.Data)
	}

	return buf.Bytes()
}

// Simple is a text segment at 0x08048000 holding code, plus a writable
// data segment one page above holding data followed by bss zero bytes.
func Simple(code, data []byte, bss uint32) []byte {
	const text = 0x08048000

	return Build(text,
		Segment{Vaddr: text, Flags: elf.PF_R | elf.PF_X, Data: code},
		Segment{Vaddr: text + 0x1000, Memsz: uint32(len(data)) + bss, Flags: elf.PF_R | elf.PF_W, Data: data},
	)
}
