package arch

import (
	"sync/atomic"
)

const (
	CR0_PE = 1 << 0
	CR0_MP = 1 << 1
	CR0_EM = 1 << 2
	CR0_TS = 1 << 3
	CR0_ET = 1 << 4
	CR0_NE = 1 << 5
	CR0_WP = 1 << 16
	CR0_PG = 1 << 31

	CR4_OSFXSR     = 1 << 9
	CR4_OSXMMEXCPT = 1 << 10
)

// CPU holds the control registers of the single processor. CR3 is owned by
// the MMU, which flushes its TLB on every write.
type CPU struct {
	CR0 uint32
	CR2 uint32
	CR3 uint32
	CR4 uint32

	FPU FPU

	barriers uint64
}

func NewCPU() *CPU {
	c := &CPU{
		CR0: CR0_PE | CR0_ET,
	}
	c.FPU.Reset()
	return c
}

// Barrier orders earlier stores to the interrupt frame before a following
// privileged write.
func (c *CPU) Barrier() {
	atomic.AddUint64(&c.barriers, 1)
}

func (c *CPU) Barriers() uint64 {
	return atomic.LoadUint64(&c.barriers)
}

func (c *CPU) SetTS() {
	c.CR0 |= CR0_TS
}

// Clts clears CR0.TS.
func (c *CPU) Clts() {
	c.CR0 &^= CR0_TS
}

func (c *CPU) TS() bool {
	return c.CR0&CR0_TS != 0
}

func (c *CPU) EnablePaging() {
	c.CR0 |= CR0_PG | CR0_WP
}

func (c *CPU) WriteProtect() bool {
	return c.CR0&CR0_WP != 0
}

func (c *CPU) EnableFXSR() {
	c.CR4 |= CR4_OSFXSR | CR4_OSXMMEXCPT
	c.CR0 |= CR0_MP | CR0_NE
	c.CR0 &^= CR0_EM
}
