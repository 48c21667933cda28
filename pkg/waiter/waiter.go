// Package waiter implements wait queues. Sleepers register an Event with
// a mask and are called back when a matching notification is posted.
package waiter

import (
	"sync"

	"github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/pkg/ilist"
)

type EventType uint64

const (
	EventChildExit EventType = 1 << iota
	EventStopped
	EventTimer
	EventInput
	EventPeriod
	EventOutput

	EventAll EventType = ^EventType(0)
)

type Waiter struct {
	mu sync.Mutex

	count   int
	waiters ilist.List
}

type Event struct {
	ilist.Entry

	Mask    EventType
	Context interface{}

	// Test, when set, must return true for the event to fire.
	Test     func(e *Event) bool
	Callback func(e *Event)

	queued bool
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.queued {
		return
	}

	w.count++
	e.queued = true

	w.waiters.PushBack(e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !e.queued {
		return
	}

	w.count--
	e.queued = false

	w.waiters.Remove(e)
}

func (w *Waiter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.count
}

// Notify fires every registered event whose mask intersects mask. Events
// stay registered; callbacks may unregister themselves.
func (w *Waiter) Notify(mask EventType) int {
	return w.fire(mask, false)
}

// Wake fires and unregisters every matching event.
func (w *Waiter) Wake(mask EventType) int {
	return w.fire(mask, true)
}

func (w *Waiter) fire(mask EventType, remove bool) int {
	w.mu.Lock()

	log.L.Trace("waiters-notify", "count", w.count)

	var hit []*Event

	for it := w.waiters.Front(); it != nil; {
		e := it.(*Event)
		it = it.Next()

		log.L.Trace("waiters-walk", "event-mask", e.Mask, "notify-mask", mask, "match", mask&e.Mask)

		if mask&e.Mask == 0 {
			continue
		}

		if e.Test != nil && !e.Test(e) {
			continue
		}

		if remove {
			w.waiters.Remove(e)
			e.queued = false
			w.count--
		}

		hit = append(hit, e)
	}

	w.mu.Unlock()

	for _, e := range hit {
		if e.Callback != nil {
			e.Callback(e)
		}
	}

	return len(hit)
}
