package storage

import (
	"sync"
	"sync/atomic"

	"github.com/DobryySoul/nettable/internal/codec"
)

// Listener observes accepted changes. isNew is true for an entry that has
// not been reported to any listener yet, and for every replayed entry.
type Listener func(name string, value codec.Value, isNew bool)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Dispatcher fans changes out to listeners. The listener list is copied on
// write, so listeners may be added or removed while a notification runs.
type Dispatcher struct {
	mu        sync.Mutex
	next      ListenerID
	listeners atomic.Pointer[[]registration]
}

// NewDispatcher returns a dispatcher without listeners.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.listeners.Store(&[]registration{})
	return d
}

// Add registers fn and returns its id.
func (d *Dispatcher) Add(fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	current := *d.listeners.Load()
	updated := make([]registration, 0, len(current)+1)
	updated = append(updated, current...)
	updated = append(updated, registration{id: d.next, fn: fn})
	d.listeners.Store(&updated)
	return d.next
}

// Remove unregisters id and reports whether it was registered.
func (d *Dispatcher) Remove(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.listeners.Load()
	updated := make([]registration, 0, len(current))
	for _, r := range current {
		if r.id != id {
			updated = append(updated, r)
		}
	}
	if len(updated) == len(current) {
		return false
	}
	d.listeners.Store(&updated)
	return true
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	return len(*d.listeners.Load())
}

// Notify calls every listener registered at the time of the call and
// returns how many were called.
func (d *Dispatcher) Notify(name string, value codec.Value, isNew bool) int {
	listeners := *d.listeners.Load()
	for _, r := range listeners {
		r.fn(name, value, isNew)
	}
	return len(listeners)
}
