package arch

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// FXSaveSize is the size of the fxsave/fxrstor memory image.
const FXSaveSize = 512

const fxAlign = 16

// Offsets into the fxsave image.
const (
	fxFCW   = 0
	fxFSW   = 2
	fxMXCSR = 24
	fxST0   = 32
)

const (
	defaultFCW   = 0x037F
	defaultMXCSR = 0x1F80
)

var ErrFPUDisabled = errors.New("fpu disabled (CR0.TS set)")

// NewFXSaveArea returns a 512 byte slice whose first byte is 16 byte
// aligned, as fxsave requires.
func NewFXSaveArea() []byte {
	buf := make([]byte, FXSaveSize+fxAlign)
	off := (fxAlign - int(uintptr(unsafe.Pointer(&buf[0]))%fxAlign)) % fxAlign
	return buf[off : off+FXSaveSize : off+FXSaveSize]
}

func Aligned(area []byte) bool {
	return len(area) == FXSaveSize && uintptr(unsafe.Pointer(&area[0]))%fxAlign == 0
}

// FPU is the live x87/SSE register file, kept in fxsave image form.
type FPU struct {
	regs [FXSaveSize]byte

	inits, saves, restores int
}

// Reset is fninit plus a default MXCSR.
func (f *FPU) Reset() {
	f.regs = [FXSaveSize]byte{}
	binary.LittleEndian.PutUint16(f.regs[fxFCW:], defaultFCW)
	binary.LittleEndian.PutUint32(f.regs[fxMXCSR:], defaultMXCSR)
	f.inits++
}

func (f *FPU) Save(area []byte) {
	if !Aligned(area) {
		panic("fxsave to misaligned area")
	}
	copy(area, f.regs[:])
	f.saves++
}

func (f *FPU) Restore(area []byte) {
	if !Aligned(area) {
		panic("fxrstor from misaligned area")
	}
	copy(f.regs[:], area)
	f.restores++
}

// Stats reports how many init/save/restore operations ran.
func (f *FPU) Stats() (inits, saves, restores int) {
	return f.inits, f.saves, f.restores
}

// ST0 returns the low 8 bytes of the top stack register.
func (f *FPU) ST0() uint64 {
	return binary.LittleEndian.Uint64(f.regs[fxST0:])
}

func (f *FPU) SetST0(v uint64) {
	binary.LittleEndian.PutUint64(f.regs[fxST0:], v)
}

func (f *FPU) ControlWord() uint16 {
	return binary.LittleEndian.Uint16(f.regs[fxFCW:])
}

// Exec runs fn against the register file as one FPU instruction would,
// failing with ErrFPUDisabled while CR0.TS is set.
func (c *CPU) Exec(fn func(f *FPU)) error {
	if c.TS() {
		return ErrFPUDisabled
	}
	fn(&c.FPU)
	return nil
}
