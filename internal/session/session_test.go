package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/storage"
	"github.com/DobryySoul/nettable/internal/transport"
	"github.com/DobryySoul/nettable/internal/wire"
)

const testTimeout = 2 * time.Second

type harness struct {
	table     *storage.Table
	registry  *Registry
	coalescer *Coalescer
	errs      chan error
}

func newHarness(assignIDs bool) *harness {
	registry := NewRegistry()
	coalescer := NewCoalescer(registry)
	return &harness{
		table:     storage.NewTable(assignIDs, nil, coalescer, registry),
		registry:  registry,
		coalescer: coalescer,
		errs:      make(chan error, 16),
	}
}

// peer is the far end of a session, driven by the test.
type peer struct {
	raw  net.Conn
	conn *transport.StreamConn
	msgs chan wire.Message
}

func (h *harness) connect(t *testing.T, role Role) (*Session, *peer) {
	t.Helper()
	s, p := h.open(t, Config{Role: role}, transport.DefaultWriteTimeout)
	go p.drain()
	return s, p
}

// open starts a session whose peer reads nothing until the test does.
func (h *harness) open(t *testing.T, cfg Config, writeTimeout time.Duration) (*Session, *peer) {
	t.Helper()
	reg := codec.NewRegistry()
	left, right := net.Pipe()
	cfg.OnError = func(err error) {
		select {
		case h.errs <- err:
		default:
		}
	}
	conn := transport.NewStreamConn(left, reg)
	conn.SetWriteTimeout(writeTimeout)
	s := New(cfg, conn, h.table, h.registry)
	if err := h.registry.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	p := &peer{
		raw:  right,
		conn: transport.NewStreamConn(right, reg),
		msgs: make(chan wire.Message, 64),
	}
	go func() {
		_ = s.Run(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		_ = p.conn.Close()
	})
	return s, p
}

func (p *peer) drain() {
	defer close(p.msgs)
	for {
		m, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.msgs <- m
	}
}

func (p *peer) send(t *testing.T, msgs ...wire.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := p.conn.WriteMessage(m); err != nil {
			t.Fatalf("peer write failed: %v", err)
		}
	}
	if err := p.conn.Flush(); err != nil {
		t.Fatalf("peer flush failed: %v", err)
	}
}

// push writes from a helper goroutine; the session may hang up midway.
func (p *peer) push(msgs ...wire.Message) {
	for _, m := range msgs {
		_ = p.conn.WriteMessage(m)
	}
	_ = p.conn.Flush()
}

func (p *peer) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m, ok := <-p.msgs:
		if !ok {
			t.Fatalf("peer connection closed")
		}
		return m
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for message")
	}
	return wire.Message{}
}

func (p *peer) handshake(t *testing.T, entries int) {
	t.Helper()
	p.send(t, wire.Hello(wire.ProtocolRevision))
	for i := 0; i < entries; i++ {
		assert.Equal(t, p.next(t).Kind, wire.KindEntryAssignment)
	}
	assert.Equal(t, p.next(t).Kind, wire.KindServerHelloComplete)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("session did not end, state %s", s.State())
	}
}

func waitPending(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("nothing queued on session %s", s.ID())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s, want %s", s.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandshakeSendsTable(t *testing.T) {
	h := newHarness(true)
	_ = h.table.ApplyLocal("a", codec.TypeDouble, codec.Double(1))
	_ = h.table.ApplyLocal("b", codec.TypeString, codec.String("two"))
	h.coalescer.Flush(h.registry)

	s, p := h.connect(t, RoleServer)
	assert.Equal(t, s.State(), StateAwaitingHello)

	p.send(t, wire.Hello(wire.ProtocolRevision))
	first := p.next(t)
	assert.Equal(t, first.Kind, wire.KindEntryAssignment)
	assert.Equal(t, first.Name, "a")
	assert.Equal(t, first.ID, storage.ID(0))
	second := p.next(t)
	assert.Equal(t, second.Name, "b")
	assert.Equal(t, second.Value.Equal(codec.String("two")), true)
	assert.Equal(t, p.next(t).Kind, wire.KindServerHelloComplete)
	waitState(t, s, StateConnected)
}

func TestUnsupportedRevision(t *testing.T) {
	h := newHarness(true)
	_ = h.table.ApplyLocal("a", codec.TypeDouble, codec.Double(1))
	other, otherPeer := h.connect(t, RoleServer)
	otherPeer.handshake(t, 1)

	s, p := h.connect(t, RoleServer)
	p.send(t, wire.Hello(0x0100))
	m := p.next(t)
	assert.Equal(t, m.Kind, wire.KindProtocolVersionUnsupported)
	assert.Equal(t, m.Revision, wire.ProtocolRevision)

	waitDone(t, s)
	assert.Equal(t, s.State(), StateError)
	assert.Equal(t, errors.Is(s.Err(), ErrUnsupportedRevision), true)
	assert.Equal(t, errors.Is(s.Err(), ErrProtocolViolation), true)
	assert.Equal(t, h.registry.Len(), 1)
	assert.Equal(t, other.State(), StateConnected)
	assert.Equal(t, h.table.Len(), 1)
}

func TestOutOfStateMessages(t *testing.T) {
	cases := []struct {
		name string
		msgs []wire.Message
	}{
		{"update before hello", []wire.Message{wire.EntryUpdate(storage.EntryState{ID: 0, Value: codec.Double(1)})}},
		{"assignment before hello", []wire.Message{wire.EntryAssignment(storage.EntryState{ID: 0, Name: "x", Value: codec.Double(1)})}},
		{"hello complete to server", []wire.Message{wire.ServerHelloComplete()}},
		{"unsupported to server", []wire.Message{wire.ProtocolVersionUnsupported(1)}},
		{"second hello", []wire.Message{wire.Hello(wire.ProtocolRevision), wire.Hello(wire.ProtocolRevision)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(true)
			s, p := h.connect(t, RoleServer)
			go p.push(tc.msgs...)
			waitDone(t, s)
			assert.Equal(t, s.State(), StateError)
			assert.Equal(t, errors.Is(s.Err(), ErrProtocolViolation), true)
			assert.Equal(t, h.registry.Len(), 0)
			assert.Equal(t, h.table.Len(), 0)
		})
	}
}

func TestMalformedMessageIsViolation(t *testing.T) {
	h := newHarness(true)
	s, p := h.connect(t, RoleServer)
	p.handshake(t, 0)

	// A frame whose body is a lone, truncated tag.
	raw := []byte{1, 0x80}
	go func() {
		_, _ = p.raw.Write(raw)
	}()
	waitDone(t, s)
	assert.Equal(t, s.State(), StateError)
	assert.Equal(t, errors.Is(s.Err(), ErrProtocolViolation), true)
}

func TestCoalescedUpdate(t *testing.T) {
	h := newHarness(true)
	_ = h.table.ApplyLocal("y", codec.TypeString, codec.String("0"))
	h.coalescer.Flush(h.registry)

	_, p := h.connect(t, RoleServer)
	p.handshake(t, 1)

	_ = h.table.ApplyLocal("y", codec.TypeString, codec.String("1"))
	_ = h.table.ApplyLocal("y", codec.TypeString, codec.String("2"))
	assert.Equal(t, h.coalescer.Pending(), 1)
	h.coalescer.Flush(h.registry)

	m := p.next(t)
	assert.Equal(t, m.Kind, wire.KindEntryUpdate)
	assert.Equal(t, m.ID, storage.ID(0))
	assert.Equal(t, m.Sequence, storage.SequenceNumber(2))
	assert.Equal(t, m.Value.Equal(codec.String("2")), true)

	h.registry.KeepAliveAll()
	assert.Equal(t, p.next(t).Kind, wire.KindKeepAlive)

	// The next window forwards again.
	_ = h.table.ApplyLocal("y", codec.TypeString, codec.String("3"))
	h.coalescer.Flush(h.registry)
	m = p.next(t)
	assert.Equal(t, m.Value.Equal(codec.String("3")), true)
}

func TestRemoteUpdateRelayedToOthers(t *testing.T) {
	h := newHarness(true)
	_ = h.table.ApplyLocal("z", codec.TypeDouble, codec.Double(1))
	h.coalescer.Flush(h.registry)

	_, a := h.connect(t, RoleServer)
	a.handshake(t, 1)
	sb, b := h.connect(t, RoleServer)
	b.handshake(t, 1)

	a.send(t, wire.EntryUpdate(storage.EntryState{ID: 0, Sequence: 1, Value: codec.Double(5)}))
	waitPending(t, sb)
	state, _ := h.table.Get("z")
	assert.Equal(t, state.Sequence, storage.SequenceNumber(1))
	h.registry.FlushAll()

	m := b.next(t)
	assert.Equal(t, m.Kind, wire.KindEntryUpdate)
	assert.Equal(t, m.Value.Equal(codec.Double(5)), true)

	h.registry.KeepAliveAll()
	assert.Equal(t, a.next(t).Kind, wire.KindKeepAlive)
	assert.Equal(t, b.next(t).Kind, wire.KindKeepAlive)
}

func TestClientAssignmentEchoedWithID(t *testing.T) {
	h := newHarness(true)
	_ = h.table.ApplyLocal("host", codec.TypeBoolean, codec.Boolean(true))
	h.coalescer.Flush(h.registry)

	s, p := h.connect(t, RoleServer)
	p.handshake(t, 1)

	p.send(t, wire.EntryAssignment(storage.EntryState{
		ID:    storage.UnknownID,
		Name:  "client",
		Value: codec.String("hi"),
	}))
	waitPending(t, s)
	h.registry.FlushAll()

	m := p.next(t)
	assert.Equal(t, m.Kind, wire.KindEntryAssignment)
	assert.Equal(t, m.Name, "client")
	assert.Equal(t, m.ID, storage.ID(1))
}

func TestRejectedMutationKeepsSession(t *testing.T) {
	h := newHarness(true)
	_ = h.table.ApplyLocal("b", codec.TypeBoolean, codec.Boolean(true))
	h.coalescer.Flush(h.registry)

	s, p := h.connect(t, RoleServer)
	p.handshake(t, 1)
	p.send(t, wire.EntryUpdate(storage.EntryState{ID: 0, Sequence: 1, Value: codec.String("bad")}))

	select {
	case err := <-h.errs:
		assert.Equal(t, errors.Is(err, storage.ErrTypeMismatch), true)
	case <-time.After(testTimeout):
		t.Fatalf("expected rejection report")
	}
	assert.Equal(t, s.State(), StateConnected)
}

func TestPeerCloseDisconnects(t *testing.T) {
	h := newHarness(true)
	s, p := h.connect(t, RoleServer)
	p.handshake(t, 0)
	_ = p.conn.Close()

	waitDone(t, s)
	assert.Equal(t, s.State(), StateDisconnected)
	assert.Equal(t, s.Err(), nil)
	assert.Equal(t, h.registry.Len(), 0)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(true)
	s, _ := h.connect(t, RoleServer)
	s.Close()
	s.Close()
	h.registry.Remove(s, true)
	waitDone(t, s)
	assert.Equal(t, s.State(), StateDisconnected)
	assert.Equal(t, h.registry.Len(), 0)

	// Events for a closed session are dropped.
	_ = h.table.ApplyLocal("late", codec.TypeBoolean, codec.Boolean(true))
	h.coalescer.Flush(h.registry)
}

func TestRegistryCloseAll(t *testing.T) {
	h := newHarness(true)
	s1, _ := h.connect(t, RoleServer)
	s2, _ := h.connect(t, RoleServer)
	h.registry.CloseAll()
	waitDone(t, s1)
	waitDone(t, s2)
	assert.Equal(t, h.registry.Len(), 0)
	assert.Equal(t, errors.Is(h.registry.Add(s1), ErrRegistryClosed), true)
}

func TestClientHandshake(t *testing.T) {
	h := newHarness(false)
	_ = h.table.ApplyLocal("mine", codec.TypeDouble, codec.Double(7))
	h.coalescer.Flush(h.registry)

	s, p := h.connect(t, RoleClient)
	hello := p.next(t)
	assert.Equal(t, hello.Kind, wire.KindHello)
	assert.Equal(t, hello.Revision, wire.ProtocolRevision)

	p.send(t,
		wire.EntryAssignment(storage.EntryState{ID: 0, Name: "theirs", Sequence: 4, Value: codec.String("t")}),
		wire.ServerHelloComplete(),
	)
	pushed := p.next(t)
	assert.Equal(t, pushed.Kind, wire.KindEntryAssignment)
	assert.Equal(t, pushed.Name, "mine")
	assert.Equal(t, pushed.ID, storage.UnknownID)
	waitState(t, s, StateConnected)

	state, err := h.table.Get("theirs")
	assert.Equal(t, err, nil)
	assert.Equal(t, state.ID, storage.ID(0))
	assert.Equal(t, state.Sequence, storage.SequenceNumber(4))

	// The server echoes the id back.
	p.send(t, wire.EntryAssignment(storage.EntryState{ID: 1, Name: "mine", Value: codec.Double(7)}))
	deadline := time.Now().Add(testTimeout)
	for {
		if state, _ := h.table.Get("mine"); state.ID == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("id not adopted")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientRejectsHello(t *testing.T) {
	h := newHarness(false)
	s, p := h.connect(t, RoleClient)
	assert.Equal(t, p.next(t).Kind, wire.KindHello)
	go p.push(wire.Hello(wire.ProtocolRevision))
	waitDone(t, s)
	assert.Equal(t, errors.Is(s.Err(), ErrProtocolViolation), true)
}

func TestClientUnsupportedRevision(t *testing.T) {
	h := newHarness(false)
	s, p := h.connect(t, RoleClient)
	assert.Equal(t, p.next(t).Kind, wire.KindHello)
	go p.push(wire.ProtocolVersionUnsupported(0x0200))
	waitDone(t, s)
	assert.Equal(t, s.State(), StateError)
	assert.Equal(t, errors.Is(s.Err(), ErrUnsupportedRevision), true)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(true)
	reg := codec.NewRegistry()
	left, right := net.Pipe()
	defer right.Close()
	s := New(Config{}, transport.NewStreamConn(left, reg), h.table, h.registry)
	_ = h.registry.Add(s)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-result:
		assert.Equal(t, err, nil)
	case <-time.After(testTimeout):
		t.Fatalf("run did not return")
	}
	assert.Equal(t, s.State(), StateDisconnected)
}

func TestDriverFlushes(t *testing.T) {
	h := newHarness(true)
	_, p := h.connect(t, RoleServer)
	p.handshake(t, 0)

	d := NewDriver(h.coalescer, h.registry, 5*time.Millisecond, time.Hour)
	d.Start()
	defer d.Stop()

	_ = h.table.ApplyLocal("tick", codec.TypeDouble, codec.Double(1))
	m := p.next(t)
	assert.Equal(t, m.Kind, wire.KindEntryAssignment)
	assert.Equal(t, m.Name, "tick")
}

// handshakeThenStall completes the handshake by hand and never reads again.
func (p *peer) handshakeThenStall(t *testing.T) {
	t.Helper()
	p.send(t, wire.Hello(wire.ProtocolRevision))
	for {
		m, err := p.conn.ReadMessage()
		if err != nil {
			t.Fatalf("peer read failed: %v", err)
		}
		if m.Kind == wire.KindServerHelloComplete {
			return
		}
	}
}

func TestStalledPeerDoesNotHoldUpOthers(t *testing.T) {
	h := newHarness(true)
	_, healthy := h.connect(t, RoleServer)
	healthy.handshake(t, 0)
	stalled, p := h.open(t, Config{Role: RoleServer}, time.Minute)
	p.handshakeThenStall(t)
	waitState(t, stalled, StateConnected)

	d := NewDriver(h.coalescer, h.registry, 5*time.Millisecond, 5*time.Millisecond)
	d.Start()

	_ = h.table.ApplyLocal("v", codec.TypeString, codec.String("1"))
	for m := healthy.next(t); m.Kind != wire.KindEntryAssignment; m = healthy.next(t) {
	}
	_ = h.table.ApplyLocal("v", codec.TypeString, codec.String("2"))
	for {
		m := healthy.next(t)
		if m.Kind == wire.KindEntryUpdate {
			assert.Equal(t, m.Value.Equal(codec.String("2")), true)
			break
		}
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatalf("driver stop blocked behind stalled peer")
	}
	assert.Equal(t, stalled.State(), StateConnected)
}

func TestStalledPeerWriteTimeout(t *testing.T) {
	h := newHarness(true)
	stalled, p := h.open(t, Config{Role: RoleServer}, 50*time.Millisecond)
	p.handshakeThenStall(t)
	waitState(t, stalled, StateConnected)

	_ = h.table.ApplyLocal("v", codec.TypeDouble, codec.Double(1))
	h.coalescer.Flush(h.registry)
	waitDone(t, stalled)
	assert.Equal(t, stalled.State(), StateError)
	assert.Equal(t, errors.Is(stalled.Err(), ErrTransportFault), true)
	assert.Equal(t, h.registry.Len(), 0)
}

func TestDrainBoundedByContext(t *testing.T) {
	h := newHarness(true)
	_, healthy := h.connect(t, RoleServer)
	healthy.handshake(t, 0)
	stalled, p := h.open(t, Config{Role: RoleServer}, time.Minute)
	p.handshakeThenStall(t)
	waitState(t, stalled, StateConnected)

	_ = h.table.ApplyLocal("v", codec.TypeDouble, codec.Double(1))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h.registry.Drain(ctx)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)
	assert.Equal(t, time.Since(start) < testTimeout, true)
	assert.Equal(t, healthy.next(t).Kind, wire.KindEntryAssignment)

	// Closing the session releases the blocked write.
	h.registry.CloseAll()
	waitDone(t, stalled)
}

func TestDrainWaitsForWrites(t *testing.T) {
	h := newHarness(true)
	s, p := h.open(t, Config{Role: RoleServer}, time.Minute)
	p.handshakeThenStall(t)
	waitState(t, s, StateConnected)

	_ = h.table.ApplyLocal("v", codec.TypeDouble, codec.Double(1))
	result := make(chan error, 1)
	go func() {
		result <- h.registry.Drain(context.Background())
	}()
	select {
	case <-result:
		t.Fatalf("drain returned before the peer read")
	case <-time.After(50 * time.Millisecond):
	}

	m, err := p.conn.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, m.Kind, wire.KindEntryAssignment)
	select {
	case err := <-result:
		assert.Equal(t, err, nil)
	case <-time.After(testTimeout):
		t.Fatalf("drain did not return")
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	h := newHarness(true)
	s, p := h.open(t, Config{Role: RoleServer, IdleTimeout: 100 * time.Millisecond}, transport.DefaultWriteTimeout)
	go p.drain()
	p.handshake(t, 0)

	waitDone(t, s)
	assert.Equal(t, s.State(), StateError)
	assert.Equal(t, errors.Is(s.Err(), ErrTransportFault), true)
}

func TestKeepAlivesHoldIdleSessionOpen(t *testing.T) {
	h := newHarness(true)
	s, p := h.open(t, Config{Role: RoleServer, IdleTimeout: 200 * time.Millisecond}, transport.DefaultWriteTimeout)
	go p.drain()
	p.handshake(t, 0)

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		p.send(t, wire.KeepAlive())
	}
	assert.Equal(t, s.State(), StateConnected)
}
