package storage

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/DobryySoul/nettable/internal/codec"
)

type notification struct {
	name  string
	value codec.Value
	isNew bool
}

type offer struct {
	name       string
	assignment bool
	origin     any
}

type recordingSink struct {
	offers []offer
}

func (s *recordingSink) OfferAssignment(e *Entry, origin any) {
	s.offers = append(s.offers, offer{name: e.Name(), assignment: true, origin: origin})
}

func (s *recordingSink) OfferUpdate(e *Entry, origin any) {
	s.offers = append(s.offers, offer{name: e.Name(), origin: origin})
}

func newTestTable(assignIDs bool) (*Table, *[]notification, *recordingSink, *recordingSink) {
	var seen []notification
	d := NewDispatcher()
	d.Add(func(name string, value codec.Value, isNew bool) {
		seen = append(seen, notification{name: name, value: value, isNew: isNew})
	})
	local := &recordingSink{}
	remote := &recordingSink{}
	return NewTable(assignIDs, d, local, remote), &seen, local, remote
}

func TestApplyLocalLifecycle(t *testing.T) {
	table, seen, local, _ := newTestTable(true)

	if err := table.ApplyLocal("x", codec.TypeBoolean, codec.Boolean(true)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	state, err := table.Get("x")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	assert.Equal(t, state.ID, ID(0))
	assert.Equal(t, state.Sequence, SequenceNumber(0))
	assert.Equal(t, len(*seen), 1)
	assert.Equal(t, (*seen)[0].isNew, true)
	assert.Equal(t, local.offers, []offer{{name: "x", assignment: true}})

	if err := table.ApplyLocal("x", codec.TypeBoolean, codec.Boolean(true)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	state, _ = table.Get("x")
	assert.Equal(t, state.Sequence, SequenceNumber(0))
	assert.Equal(t, len(*seen), 1)
	assert.Equal(t, len(local.offers), 1)

	if err := table.ApplyLocal("x", codec.TypeBoolean, codec.Boolean(false)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	state, _ = table.Get("x")
	assert.Equal(t, state.Sequence, SequenceNumber(1))
	assert.Equal(t, state.Value.Equal(codec.Boolean(false)), true)
	assert.Equal(t, len(*seen), 2)
	assert.Equal(t, (*seen)[1].isNew, false)
	assert.Equal(t, local.offers[1], offer{name: "x"})
}

func TestApplyLocalSequenceCountsChanges(t *testing.T) {
	table, _, _, _ := newTestTable(true)
	values := []float64{1, 1, 2, 3, 3, 3, 1, 2}
	changes := 0
	var last float64
	for i, v := range values {
		if i > 0 && v != last {
			changes++
		}
		last = v
		if err := table.ApplyLocal("n", codec.TypeDouble, codec.Double(v)); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	state, _ := table.Get("n")
	assert.Equal(t, state.Sequence, SequenceNumber(changes))
	assert.Equal(t, state.Value.Equal(codec.Double(2)), true)
}

func TestApplyLocalArrayEquality(t *testing.T) {
	table, seen, _, _ := newTestTable(true)
	_ = table.ApplyLocal("a", codec.TypeDoubleArray, codec.DoubleArray([]float64{1, 2}))
	_ = table.ApplyLocal("a", codec.TypeDoubleArray, codec.DoubleArray([]float64{1, 2}))
	assert.Equal(t, len(*seen), 1)
	_ = table.ApplyLocal("a", codec.TypeDoubleArray, codec.DoubleArray([]float64{1, 2, 3}))
	assert.Equal(t, len(*seen), 2)
}

func TestApplyLocalDoubleBits(t *testing.T) {
	table, seen, _, local := newTestTable(true)
	_ = table.ApplyLocal("d", codec.TypeDouble, codec.Double(math.NaN()))
	_ = table.ApplyLocal("d", codec.TypeDouble, codec.Double(math.NaN()))
	state, _ := table.Get("d")
	assert.Equal(t, state.Sequence, SequenceNumber(0))
	assert.Equal(t, len(*seen), 1)
	assert.Equal(t, len(local.offers), 1)

	_ = table.ApplyLocal("z", codec.TypeDouble, codec.Double(math.Copysign(0, -1)))
	_ = table.ApplyLocal("z", codec.TypeDouble, codec.Double(0))
	state, _ = table.Get("z")
	assert.Equal(t, state.Sequence, SequenceNumber(1))
	z, _ := state.Value.AsDouble()
	assert.Equal(t, math.Signbit(z), false)
}

func TestApplyLocalTypeMismatch(t *testing.T) {
	table, _, _, _ := newTestTable(true)
	_ = table.ApplyLocal("x", codec.TypeBoolean, codec.Boolean(true))

	err := table.ApplyLocal("x", codec.TypeString, codec.String("nope"))
	assert.Equal(t, errors.Is(err, ErrTypeMismatch), true)

	err = table.ApplyLocal("y", codec.TypeString, codec.Double(1))
	assert.Equal(t, errors.Is(err, ErrTypeMismatch), true)
	_, err = table.Get("y")
	assert.Equal(t, errors.Is(err, ErrUnknownKey), true)
}

func TestTransformSeesPriorValue(t *testing.T) {
	table, _, _, _ := newTestTable(true)
	inc := func(prior codec.Value) (codec.Value, error) {
		f, _ := prior.AsDouble()
		return codec.Double(f + 1), nil
	}
	_ = table.Transform("c", codec.TypeDouble, inc)
	_ = table.Transform("c", codec.TypeDouble, inc)
	state, _ := table.Get("c")
	assert.Equal(t, state.Value.Equal(codec.Double(2)), true)
}

func TestApplyRemoteUpdateOrdering(t *testing.T) {
	table, seen, _, remote := newTestTable(false)
	peer := "peer-a"

	ok, err := table.ApplyAssignment(7, "y", 10, codec.String("a"), peer)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, remote.offers, []offer{{name: "y", assignment: true, origin: peer}})

	ok, err = table.ApplyUpdate(7, 10, codec.String("dup"), peer)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	ok, _ = table.ApplyUpdate(7, 9, codec.String("stale"), peer)
	assert.Equal(t, ok, false)
	state, _ := table.GetByID(7)
	assert.Equal(t, state.Value.Equal(codec.String("a")), true)
	assert.Equal(t, state.Sequence, SequenceNumber(10))
	assert.Equal(t, len(*seen), 1)

	ok, _ = table.ApplyUpdate(7, 11, codec.String("b"), peer)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(*seen), 2)
	assert.Equal(t, (*seen)[1], notification{name: "y", value: codec.String("b"), isNew: false})
	assert.Equal(t, remote.offers[1], offer{name: "y", origin: peer})

	_, err = table.ApplyUpdate(8, 1, codec.String("b"), peer)
	assert.Equal(t, errors.Is(err, ErrUnknownID), true)

	_, err = table.ApplyUpdate(7, 12, codec.Double(1), peer)
	assert.Equal(t, errors.Is(err, ErrTypeMismatch), true)
}

func TestApplyRemoteWraparound(t *testing.T) {
	table, _, _, _ := newTestTable(false)
	_, _ = table.ApplyAssignment(1, "w", 65535, codec.Double(1), nil)
	ok, _ := table.ApplyUpdate(1, 0, codec.Double(2), nil)
	assert.Equal(t, ok, true)
	state, _ := table.GetByID(1)
	assert.Equal(t, state.Sequence, SequenceNumber(0))
}

func TestAssignmentFromPeerWithoutID(t *testing.T) {
	table, _, _, remote := newTestTable(true)
	_ = table.ApplyLocal("host", codec.TypeDouble, codec.Double(1))

	ok, err := table.ApplyAssignment(UnknownID, "client", 0, codec.Double(2), "peer")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	state, _ := table.Get("client")
	assert.Equal(t, state.ID, ID(1))
	// The sender must see the echo to learn the id.
	assert.Equal(t, remote.offers, []offer{{name: "client", assignment: true}})

	// Existing name, sender still without id and behind: echo without change.
	ok, _ = table.ApplyAssignment(UnknownID, "host", 0, codec.Double(5), "peer")
	assert.Equal(t, ok, false)
	assert.Equal(t, remote.offers[1], offer{name: "host", assignment: true})
	state, _ = table.Get("host")
	assert.Equal(t, state.Value.Equal(codec.Double(1)), true)
}

func TestAssignmentIDCollision(t *testing.T) {
	table, _, _, _ := newTestTable(false)
	_, _ = table.ApplyAssignment(1, "a", 0, codec.Double(1), nil)
	_, err := table.ApplyAssignment(1, "b", 0, codec.Double(1), nil)
	assert.Equal(t, errors.Is(err, ErrIDCollision), true)
	_, err = table.ApplyAssignment(2, "a", 1, codec.Double(1), nil)
	assert.Equal(t, errors.Is(err, ErrIDCollision), true)
}

func TestClearIDsKeepsValues(t *testing.T) {
	table, _, _, _ := newTestTable(false)
	_ = table.ApplyLocal("local", codec.TypeString, codec.String("mine"))
	_, _ = table.ApplyAssignment(4, "remote", 3, codec.String("theirs"), nil)

	unassigned := table.Unassigned()
	assert.Equal(t, len(unassigned), 1)
	assert.Equal(t, unassigned[0].Name(), "local")

	table.ClearIDs()
	_, ok := table.GetByID(4)
	assert.Equal(t, ok, false)
	state, err := table.Get("remote")
	assert.Equal(t, err, nil)
	assert.Equal(t, state.ID, UnknownID)
	assert.Equal(t, state.Value.Equal(codec.String("theirs")), true)

	// Re-bootstrap binds a fresh id to the existing entry.
	ok, err = table.ApplyAssignment(0, "remote", 3, codec.String("theirs"), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
	state, _ = table.Get("remote")
	assert.Equal(t, state.ID, ID(0))
	assert.Equal(t, len(table.Unassigned()), 1)
}

func TestBindPushesNewerLocalValue(t *testing.T) {
	table, _, _, remote := newTestTable(false)
	_ = table.ApplyLocal("v", codec.TypeDouble, codec.Double(1))
	_ = table.ApplyLocal("v", codec.TypeDouble, codec.Double(2))

	ok, _ := table.ApplyAssignment(9, "v", 0, codec.Double(1), "server")
	assert.Equal(t, ok, false)
	assert.Equal(t, remote.offers, []offer{{name: "v"}})
	state, _ := table.Get("v")
	assert.Equal(t, state.ID, ID(9))
	assert.Equal(t, state.Value.Equal(codec.Double(2)), true)
}

func TestSnapshotOrderAndClearAll(t *testing.T) {
	table, _, _, _ := newTestTable(true)
	for _, name := range []string{"c", "a", "b"} {
		_ = table.ApplyLocal(name, codec.TypeBoolean, codec.Boolean(true))
	}
	snapshot := table.Snapshot()
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, snapshot[0].Name, "c")
	assert.Equal(t, snapshot[2].ID, ID(2))

	table.ClearAll()
	assert.Equal(t, table.Len(), 0)
	_ = table.ApplyLocal("z", codec.TypeBoolean, codec.Boolean(true))
	state, _ := table.Get("z")
	assert.Equal(t, state.ID, ID(0))
}

func TestReplay(t *testing.T) {
	table, _, _, _ := newTestTable(true)
	_ = table.ApplyLocal("a", codec.TypeDouble, codec.Double(1))
	_ = table.ApplyLocal("b", codec.TypeDouble, codec.Double(2))

	var replayed []notification
	table.Replay(func(name string, value codec.Value, isNew bool) {
		replayed = append(replayed, notification{name: name, value: value, isNew: isNew})
	})
	assert.Equal(t, len(replayed), 2)
	assert.Equal(t, replayed[0].isNew, true)
	assert.Equal(t, replayed[1].name, "b")
}

func TestListenerMayReadTable(t *testing.T) {
	d := NewDispatcher()
	table := NewTable(true, d, nil, nil)
	var got EntryState
	d.Add(func(name string, _ codec.Value, _ bool) {
		got, _ = table.Get(name)
	})
	_ = table.ApplyLocal("r", codec.TypeString, codec.String("v"))
	assert.Equal(t, got.Name, "r")
}

func BenchmarkTableApplyLocal(b *testing.B) {
	table := NewTable(true, nil, nil, nil)
	v := 0.0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v++
		_ = table.ApplyLocal("key", codec.TypeDouble, codec.Double(v))
	}
}

func BenchmarkTableApplyUpdate(b *testing.B) {
	table := NewTable(false, nil, nil, nil)
	_, _ = table.ApplyAssignment(0, "key", 0, codec.Double(0), nil)
	seq := SequenceNumber(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seq++
		_, _ = table.ApplyUpdate(0, seq, codec.Double(float64(seq)), nil)
	}
}
