// Package ringbuf is a fixed size byte ring used for terminal input and
// pipes.
package ringbuf

import "sync"

// Buffer is a circular byte buffer. head and tail grow without bound and
// are reduced modulo the size on access.
type Buffer struct {
	mu   sync.Mutex
	buf  []byte
	head int
	tail int
}

func New(size int) *Buffer {
	if size <= 0 {
		panic("bad ringbuf size")
	}
	return &Buffer{buf: make([]byte, size)}
}

func (b *Buffer) Size() int {
	return len(b.buf)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head - b.tail
}

func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head-b.tail == len(b.buf)
}

func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head == b.tail
}

// Write appends as much of p as fits and returns the count stored.
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range p {
		if b.head-b.tail == len(b.buf) {
			break
		}
		b.buf[b.head%len(b.buf)] = c
		b.head++
		n++
	}
	return n
}

// Read drains up to len(p) bytes.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(p) && b.tail != b.head {
		p[n] = b.buf[b.tail%len(b.buf)]
		b.tail++
		n++
	}
	return n
}

// Unwrite drops the most recently written byte, used for erase handling.
func (b *Buffer) Unwrite() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == b.tail {
		return false
	}
	b.head--
	return true
}

// IndexByte reports the offset of the first c in the readable region, or -1.
func (b *Buffer) IndexByte(c byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := b.tail; i < b.head; i++ {
		if b.buf[i%len(b.buf)] == c {
			return i - b.tail
		}
	}
	return -1
}
