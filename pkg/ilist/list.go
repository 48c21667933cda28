// Package ilist provides an intrusive doubly linked list. Elements embed
// Entry and are linked without any extra allocation.
package ilist

// Linker is implemented by anything that can live in a List. Embedding
// Entry is the usual way to satisfy it.
type Linker interface {
	Next() Linker
	Prev() Linker
	SetNext(Linker)
	SetPrev(Linker)
}

// List is an intrusive list. The zero value is an empty list.
type List struct {
	head Linker
	tail Linker
	len  int
}

func (l *List) Reset() {
	l.head = nil
	l.tail = nil
	l.len = 0
}

func (l *List) Empty() bool {
	return l.head == nil
}

func (l *List) Len() int {
	return l.len
}

func (l *List) Front() Linker {
	return l.head
}

func (l *List) Back() Linker {
	return l.tail
}

func (l *List) PushFront(e Linker) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
	l.len++
}

func (l *List) PushBack(e Linker) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
	l.len++
}

// InsertAfter links e directly after b, which must already be in l.
func (l *List) InsertAfter(b, e Linker) {
	a := b.Next()
	e.SetNext(a)
	e.SetPrev(b)
	b.SetNext(e)

	if a != nil {
		a.SetPrev(e)
	} else {
		l.tail = e
	}

	l.len++
}

func (l *List) Remove(e Linker) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	} else {
		return
	}

	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
	l.len--
}

// PushBackList moves every element of m to the end of l, leaving m empty.
func (l *List) PushBackList(m *List) {
	if m.head == nil {
		return
	}

	if l.head == nil {
		l.head = m.head
		l.tail = m.tail
	} else {
		l.tail.SetNext(m.head)
		m.head.SetPrev(l.tail)
		l.tail = m.tail
	}

	l.len += m.len
	m.Reset()
}

// Entry is embedded by list elements.
type Entry struct {
	next Linker
	prev Linker
}

func (e *Entry) Next() Linker {
	return e.next
}

func (e *Entry) Prev() Linker {
	return e.prev
}

func (e *Entry) SetNext(entry Linker) {
	e.next = entry
}

func (e *Entry) SetPrev(entry Linker) {
	e.prev = entry
}
