package kernel

import "sync"

// PidBitmap hands out pids 1..max next-fit from the last allocation,
// wrapping around. Pid 0 is never used.
type PidBitmap struct {
	mu   sync.Mutex
	bits []uint64
	max  int
	last int
	used int
}

func NewPidBitmap(max int) *PidBitmap {
	return &PidBitmap{
		bits: make([]uint64, (max+1+63)/64),
		max:  max,
	}
}

func (b *PidBitmap) test(pid int) bool {
	return b.bits[pid/64]&(1<<uint(pid%64)) != 0
}

func (b *PidBitmap) Alloc() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pid := b.last
	for i := 0; i < b.max; i++ {
		pid++
		if pid > b.max {
			pid = 1
		}

		if !b.test(pid) {
			b.bits[pid/64] |= 1 << uint(pid%64)
			b.last = pid
			b.used++
			return pid, nil
		}
	}

	return 0, ErrNoPids
}

func (b *PidBitmap) Free(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pid <= 0 || pid > b.max || !b.test(pid) {
		return
	}

	b.bits[pid/64] &^= 1 << uint(pid%64)
	b.used--
}

func (b *PidBitmap) InUse(pid int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return pid > 0 && pid <= b.max && b.test(pid)
}

func (b *PidBitmap) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.used
}

func (b *PidBitmap) Max() int {
	return b.max
}
