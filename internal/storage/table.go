package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/DobryySoul/nettable/internal/codec"
)

// ErrTableFull means every assignable id is in use.
var ErrTableFull = errors.New("storage: no entry ids left")

// Sink receives accepted mutations for transmission. origin is the peer
// the mutation came from, or nil for local writes and for mutations every
// peer must see, including the sender.
//
// A Sink runs while the table is serialized against other mutations and
// must not call back into the table.
type Sink interface {
	OfferAssignment(e *Entry, origin any)
	OfferUpdate(e *Entry, origin any)
}

// Table is the authoritative set of entries, indexed by name and by id.
//
// Mutations hold the table lock while they change state, then hand over to
// the notify lock before the lock is released. Listeners and sinks run
// under the notify lock, so they observe mutations in the order they were
// applied and may read the table, but must not mutate it synchronously.
type Table struct {
	mu     sync.Mutex
	notify sync.Mutex

	byName    map[string]*Entry
	byID      map[ID]*Entry
	nextID    ID
	assignIDs bool

	listeners *Dispatcher
	local     Sink
	remote    Sink
}

// NewTable creates an empty table. A table that assigns ids is the
// authoritative store; otherwise ids are learned from the peer that
// assigns them. Local mutations go to local, accepted remote mutations are
// relayed to remote. Either sink may be nil.
func NewTable(assignIDs bool, listeners *Dispatcher, local, remote Sink) *Table {
	if listeners == nil {
		listeners = NewDispatcher()
	}
	return &Table{
		byName:    make(map[string]*Entry),
		byID:      make(map[ID]*Entry),
		assignIDs: assignIDs,
		listeners: listeners,
		local:     local,
		remote:    remote,
	}
}

// Listeners returns the dispatcher notified of accepted changes.
func (t *Table) Listeners() *Dispatcher {
	return t.listeners
}

// ApplyLocal sets name to value. The first write creates the entry; later
// writes must keep its type and are ignored when the value is unchanged.
func (t *Table) ApplyLocal(name string, typ codec.Type, value codec.Value) error {
	return t.Transform(name, typ, func(codec.Value) (codec.Value, error) {
		return value, nil
	})
}

// Transform computes the next value of name from its current one, or from
// the zero Value when name does not exist, and applies it like ApplyLocal.
// fn runs under the table lock.
func (t *Table) Transform(name string, typ codec.Type, fn func(prior codec.Value) (codec.Value, error)) error {
	t.mu.Lock()
	e, ok := t.byName[name]
	if ok && e.typ != typ {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q is %s, not %s", ErrTypeMismatch, name, e.typ, typ)
	}
	var prior EntryState
	if ok {
		prior = e.State()
	}
	value, err := fn(prior.Value)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if value.IsZero() {
		t.mu.Unlock()
		return fmt.Errorf("storage: empty value for %q", name)
	}
	if value.Type() != typ {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q declared %s, value is %s", ErrTypeMismatch, name, typ, value.Type())
	}

	if !ok {
		e = newEntry(name, value, 0)
		if t.assignIDs {
			id, err := t.allocateLocked()
			if err != nil {
				t.mu.Unlock()
				return err
			}
			t.bindLocked(e, id)
		}
		t.byName[name] = e
		t.publish(e, value, true, true, t.local, nil)
		return nil
	}
	if prior.Value.Equal(value) {
		t.mu.Unlock()
		return nil
	}
	e.set(value, prior.Sequence.Next())
	t.publish(e, value, true, false, t.local, nil)
	return nil
}

// ApplyAssignment applies an entry assignment received from origin and
// reports whether the value was accepted.
func (t *Table) ApplyAssignment(id ID, name string, seq SequenceNumber, value codec.Value, origin any) (bool, error) {
	if value.IsZero() {
		return false, fmt.Errorf("storage: empty value for %q", name)
	}
	t.mu.Lock()
	e, ok := t.byName[name]
	if !ok {
		if _, taken := t.byID[id]; id.Known() && taken {
			t.mu.Unlock()
			return false, fmt.Errorf("%w: id %d for %q", ErrIDCollision, id, name)
		}
		e = newEntry(name, value, seq)
		relayTo := origin
		switch {
		case id.Known():
			t.bindLocked(e, id)
		case t.assignIDs:
			assigned, err := t.allocateLocked()
			if err != nil {
				t.mu.Unlock()
				return false, err
			}
			t.bindLocked(e, assigned)
			// The sender only learns the id from the echoed assignment.
			relayTo = nil
		}
		t.byName[name] = e
		t.publish(e, value, true, true, t.remote, relayTo)
		return true, nil
	}

	if e.typ != value.Type() {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %q is %s, peer sent %s", ErrTypeMismatch, name, e.typ, value.Type())
	}
	current := e.State()
	bound := false
	echo := false
	switch {
	case id.Known() && !current.ID.Known():
		if _, taken := t.byID[id]; taken {
			t.mu.Unlock()
			return false, fmt.Errorf("%w: id %d for %q", ErrIDCollision, id, name)
		}
		t.bindLocked(e, id)
		bound = true
	case id.Known() && current.ID != id:
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %q is id %d, peer sent %d", ErrIDCollision, name, current.ID, id)
	case !id.Known() && t.assignIDs:
		echo = true
	}

	if !seq.NewerThan(current.Sequence) {
		switch {
		case echo:
			t.publish(e, value, false, true, t.remote, nil)
		case bound && current.Sequence.NewerThan(seq):
			// Our value is ahead of the assigning peer: push it back now
			// that the entry has an id.
			t.publish(e, value, false, false, t.remote, nil)
		default:
			t.mu.Unlock()
		}
		return false, nil
	}
	e.set(value, seq)
	if echo {
		t.publish(e, value, true, true, t.remote, nil)
	} else {
		t.publish(e, value, true, false, t.remote, origin)
	}
	return true, nil
}

// ApplyUpdate applies an entry update received from origin and reports
// whether the value was accepted. Stale and duplicate sequence numbers are
// ignored.
func (t *Table) ApplyUpdate(id ID, seq SequenceNumber, value codec.Value, origin any) (bool, error) {
	t.mu.Lock()
	e, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if e.typ != value.Type() {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %q is %s, peer sent %s", ErrTypeMismatch, e.name, e.typ, value.Type())
	}
	current := e.State()
	if !seq.NewerThan(current.Sequence) {
		t.mu.Unlock()
		return false, nil
	}
	e.set(value, seq)
	t.publish(e, value, true, false, t.remote, origin)
	return true, nil
}

// publish must be called with t.mu held and releases it.
func (t *Table) publish(e *Entry, value codec.Value, notify, assignment bool, sink Sink, origin any) {
	t.notify.Lock()
	t.mu.Unlock()
	defer t.notify.Unlock()

	if notify {
		isNew := e.isNewEntry()
		if t.listeners.Notify(e.name, value, isNew) > 0 && isNew {
			e.reported()
		}
	}
	if sink == nil {
		return
	}
	if assignment {
		sink.OfferAssignment(e, origin)
	} else {
		sink.OfferUpdate(e, origin)
	}
}

func (t *Table) allocateLocked() (ID, error) {
	for t.nextID.Known() {
		id := t.nextID
		t.nextID++
		if _, taken := t.byID[id]; !taken {
			return id, nil
		}
	}
	return UnknownID, ErrTableFull
}

func (t *Table) bindLocked(e *Entry, id ID) {
	e.setID(id)
	t.byID[id] = e
	if !t.assignIDs && id >= t.nextID && id.Known() {
		t.nextID = id + 1
	}
}

// Get returns the state of name, or ErrUnknownKey.
func (t *Table) Get(name string) (EntryState, error) {
	t.mu.Lock()
	e, ok := t.byName[name]
	t.mu.Unlock()
	if !ok {
		return EntryState{}, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return e.State(), nil
}

// GetByID returns the entry bound to id, if any.
func (t *Table) GetByID(id ID) (EntryState, bool) {
	t.mu.Lock()
	e, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return EntryState{}, false
	}
	return e.State(), true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byName)
}

// Snapshot returns every entry ordered by id, with unassigned entries last
// in name order.
func (t *Table) Snapshot() []EntryState {
	t.mu.Lock()
	out := make([]EntryState, 0, len(t.byName))
	for _, e := range t.byName {
		out = append(out, e.State())
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b EntryState) int {
		if a.ID != b.ID {
			return int(a.ID) - int(b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Unassigned returns the entries that have no id yet.
func (t *Table) Unassigned() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Entry
	for _, e := range t.byName {
		if !e.ID().Known() {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int {
		return strings.Compare(a.name, b.name)
	})
	return out
}

// Replay reports every current entry to fn as new.
func (t *Table) Replay(fn Listener) {
	for _, state := range t.Snapshot() {
		fn(state.Name, state.Value, true)
	}
}

// ClearAll drops every entry and restarts id assignment.
func (t *Table) ClearAll() {
	t.mu.Lock()
	t.byName = make(map[string]*Entry)
	t.byID = make(map[ID]*Entry)
	t.nextID = 0
	t.mu.Unlock()
}

// ClearIDs unbinds every id while keeping the values, so the next
// bootstrap issues ids again.
func (t *Table) ClearIDs() {
	t.mu.Lock()
	for _, e := range t.byName {
		e.clearID()
	}
	t.byID = make(map[ID]*Entry)
	t.nextID = 0
	t.mu.Unlock()
}
