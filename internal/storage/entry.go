package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DobryySoul/nettable/internal/codec"
)

var (
	ErrUnknownKey = errors.New("storage: unknown key")
	ErrUnknownID  = errors.New("storage: unknown entry id")
	// ErrTypeMismatch means a mutation targets an entry with a different type.
	ErrTypeMismatch = errors.New("storage: type mismatch")
	// ErrIDCollision means a peer asserted an id already bound to another name.
	ErrIDCollision = errors.New("storage: entry id collision")
	// ErrIllegalIDReassignment is the panic value when code sets the id of
	// an entry that already has one.
	ErrIllegalIDReassignment = errors.New("storage: entry id already assigned")
)

// ID identifies an entry on the wire.
type ID uint16

// UnknownID marks an entry whose id has not been assigned yet.
const UnknownID ID = 0xFFFF

// Known reports whether the id was assigned by the server.
func (id ID) Known() bool {
	return id != UnknownID
}

// SequenceNumber is a per-entry counter compared with wraparound over
// 16 bits.
type SequenceNumber uint16

const halfSequenceRange = 1 << 15

// Next returns the following sequence number, wrapping at 2^16.
func (s SequenceNumber) Next() SequenceNumber {
	return s + 1
}

// NewerThan reports whether s supersedes other. Numbers exactly half the
// range apart supersede neither way.
func (s SequenceNumber) NewerThan(other SequenceNumber) bool {
	a, b := uint32(other), uint32(s)
	return (a < b && b-a < halfSequenceRange) || (a > b && a-b > halfSequenceRange)
}

// Entry is one named, typed, versioned cell of a Table. Name and type are
// fixed at creation; the rest is guarded by the entry lock so sessions can
// read a consistent state without holding the table lock.
type Entry struct {
	name string
	typ  codec.Type

	mu    sync.RWMutex
	id    ID
	value codec.Value
	seq   SequenceNumber
	isNew bool

	dirty atomic.Bool
}

// EntryState is a point-in-time copy of an entry.
type EntryState struct {
	ID       ID
	Name     string
	Type     codec.Type
	Sequence SequenceNumber
	Value    codec.Value
}

func newEntry(name string, value codec.Value, seq SequenceNumber) *Entry {
	return &Entry{
		name:  name,
		typ:   value.Type(),
		id:    UnknownID,
		value: value,
		seq:   seq,
		isNew: true,
	}
}

// Name returns the entry's name.
func (e *Entry) Name() string {
	return e.name
}

// Type returns the type fixed by the first write.
func (e *Entry) Type() codec.Type {
	return e.typ
}

// ID returns the assigned id, or UnknownID.
func (e *Entry) ID() ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// State returns a consistent copy of the entry.
func (e *Entry) State() EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EntryState{
		ID:       e.id,
		Name:     e.name,
		Type:     e.typ,
		Sequence: e.seq,
		Value:    e.value,
	}
}

// MarkDirty sets the coalescing mark and reports whether it was clear.
func (e *Entry) MarkDirty() bool {
	return e.dirty.CompareAndSwap(false, true)
}

// ClearDirty ends the entry's coalescing window.
func (e *Entry) ClearDirty() {
	e.dirty.Store(false)
}

// IsDirty reports whether a write is pending in the current window.
func (e *Entry) IsDirty() bool {
	return e.dirty.Load()
}

func (e *Entry) setID(id ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id.Known() {
		panic(fmt.Errorf("%w: %q has id %d, got %d", ErrIllegalIDReassignment, e.name, e.id, id))
	}
	e.id = id
}

func (e *Entry) clearID() {
	e.mu.Lock()
	e.id = UnknownID
	e.mu.Unlock()
}

func (e *Entry) set(value codec.Value, seq SequenceNumber) {
	e.mu.Lock()
	e.value = value
	e.seq = seq
	e.mu.Unlock()
}

func (e *Entry) isNewEntry() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isNew
}

// reported clears the new flag once a change reached a listener.
func (e *Entry) reported() {
	e.mu.Lock()
	e.isNew = false
	e.mu.Unlock()
}
