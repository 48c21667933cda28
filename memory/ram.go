package memory

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrBadPhysicalAddress = errors.New("physical address outside of RAM")

// RAM is the simulated physical memory.
type RAM struct {
	data []byte
}

func NewRAM(size uint32) *RAM {
	size = PageAlignDown(size)
	return &RAM{data: make([]byte, size)}
}

func (r *RAM) Size() uint32 {
	return uint32(len(r.data))
}

func (r *RAM) Frames() uint32 {
	return uint32(len(r.data)) >> PageShift
}

// Slice returns the backing bytes for [pa, pa+n). Callers must stay within
// a single frame unless they know the range is contiguous.
func (r *RAM) Slice(pa, n uint32) []byte {
	if uint64(pa)+uint64(n) > uint64(len(r.data)) {
		panic(errors.Wrapf(ErrBadPhysicalAddress, "pa=%#x n=%d", pa, n))
	}
	return r.data[pa : pa+n : pa+n]
}

func (r *RAM) FrameBytes(f Frame) []byte {
	return r.Slice(f.Address(), PageSize)
}

func (r *RAM) Read32(pa uint32) uint32 {
	return binary.LittleEndian.Uint32(r.Slice(pa, 4))
}

func (r *RAM) Write32(pa, v uint32) {
	binary.LittleEndian.PutUint32(r.Slice(pa, 4), v)
}

func (r *RAM) ZeroFrame(f Frame) {
	b := r.FrameBytes(f)
	for i := range b {
		b[i] = 0
	}
}

func (r *RAM) CopyFrame(dst, src Frame) {
	copy(r.FrameBytes(dst), r.FrameBytes(src))
}
