package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/storage"
	"github.com/DobryySoul/nettable/internal/transport"
	"github.com/DobryySoul/nettable/internal/wire"
)

var (
	// ErrProtocolViolation ends a session whose peer broke the protocol.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrUnsupportedRevision is a protocol violation caused by a revision
	// mismatch.
	ErrUnsupportedRevision = fmt.Errorf("%w: unsupported protocol revision", ErrProtocolViolation)
	// ErrTransportFault ends a session whose connection failed.
	ErrTransportFault = errors.New("session: transport fault")
)

// State is the handshake state of a session.
type State int32

const (
	StateAwaitingHello State = iota
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// Role selects which side of the handshake a session plays.
type Role int

const (
	// RoleServer answers Hello with the full table.
	RoleServer Role = iota
	// RoleClient sends Hello and learns the table from the server.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Table is the part of the entry table a session drives.
type Table interface {
	Snapshot() []storage.EntryState
	Unassigned() []*storage.Entry
	ApplyAssignment(id storage.ID, name string, seq storage.SequenceNumber, value codec.Value, origin any) (bool, error)
	ApplyUpdate(id storage.ID, seq storage.SequenceNumber, value codec.Value, origin any) (bool, error)
}

// Config selects the role and limits of a session.
type Config struct {
	Role     Role
	Revision uint16
	// IdleTimeout ends the session as a transport fault when nothing
	// arrives for this long. Peers send keep-alives, so it should be a
	// few keep-alive intervals. Zero disables it.
	IdleTimeout time.Duration
	// OnError receives the reason a session ended in StateError and
	// mutations the table rejected. It must be fast and non-blocking.
	OnError func(error)
}

type eventKind uint8

const (
	eventAssignment eventKind = iota
	eventUpdate
	eventKeepAlive
)

type event struct {
	kind  eventKind
	entry *storage.Entry
}

// Session runs the protocol over one connection.
type Session struct {
	id       ulid.ULID
	cfg      Config
	conn     transport.Conn
	table    Table
	registry *Registry

	state atomic.Int32

	// mu guards the outbound queue. Events are rendered from the entry's
	// state when the queue is flushed, so a queued entry always goes out
	// with its latest value.
	mu        sync.Mutex
	accepting bool
	pending   []event

	writeMu sync.Mutex
	// flushReq counts Kick calls not yet served; a flush goroutine runs
	// while it is positive.
	flushReq atomic.Int32

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// New creates a session over conn. It is driven by Run.
func New(cfg Config, conn transport.Conn, table Table, registry *Registry) *Session {
	if cfg.Revision == 0 {
		cfg.Revision = wire.ProtocolRevision
	}
	s := &Session{
		id:       ulid.Make(),
		cfg:      cfg,
		conn:     conn,
		table:    table,
		registry: registry,
		done:     make(chan struct{}),
	}
	// A client queues from the start: the server accepts its entries right
	// after the handshake.
	s.accepting = cfg.Role == RoleClient
	return s
}

// ID identifies the session in logs and listings.
func (s *Session) ID() ulid.ULID {
	return s.id
}

// State returns the current handshake state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteAddr returns the peer's network address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil for a clean disconnect.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Run reads messages until the session ends and returns the reason it
// ended in StateError, or nil. Canceling ctx closes the session.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	glog.V(1).Infof("[s]%s %s open %s\n", s.id, s.cfg.Role, s.conn.RemoteAddr())
	if s.cfg.Role == RoleClient {
		if err := s.write(wire.Hello(s.cfg.Revision)); err != nil {
			s.finish(StateError, fmt.Errorf("%w: hello: %w", ErrTransportFault, err))
			return s.err
		}
	}

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		m, err := s.conn.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return s.err
		}
		if glog.V(2) {
			glog.Infof("[s]%s<- %s\n", s.id, m)
		}
		if err := s.handle(m); err != nil {
			s.finish(StateError, err)
			return s.err
		}
		if s.State().Terminal() {
			return s.err
		}
	}
}

func (s *Session) readFailed(err error) {
	switch {
	case s.closing.Load(), errors.Is(err, io.EOF):
		s.finish(StateDisconnected, nil)
	case isTimeout(err):
		s.finish(StateError, fmt.Errorf("%w: peer silent for %s", ErrTransportFault, s.cfg.IdleTimeout))
	case errors.Is(err, wire.ErrMalformed):
		s.finish(StateError, fmt.Errorf("%w: %w", ErrProtocolViolation, err))
	case errors.Is(err, net.ErrClosed):
		s.finish(StateDisconnected, nil)
	default:
		s.finish(StateError, fmt.Errorf("%w: %w", ErrTransportFault, err))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func (s *Session) handle(m wire.Message) error {
	state := s.State()
	switch m.Kind {
	case wire.KindKeepAlive:
		return nil

	case wire.KindHello:
		if s.cfg.Role != RoleServer || state != StateAwaitingHello {
			return violation("hello as %s in %s", s.cfg.Role, state)
		}
		if m.Revision != s.cfg.Revision {
			_ = s.write(wire.ProtocolVersionUnsupported(s.cfg.Revision))
			return fmt.Errorf("%w: peer 0x%04x, supported 0x%04x", ErrUnsupportedRevision, m.Revision, s.cfg.Revision)
		}
		return s.bootstrap()

	case wire.KindProtocolVersionUnsupported:
		if s.cfg.Role != RoleClient {
			return violation("%s as server", m.Kind)
		}
		return fmt.Errorf("%w: server supports 0x%04x, sent 0x%04x", ErrUnsupportedRevision, m.Revision, s.cfg.Revision)

	case wire.KindServerHelloComplete:
		if s.cfg.Role != RoleClient || state != StateAwaitingHello {
			return violation("%s as %s in %s", m.Kind, s.cfg.Role, state)
		}
		return s.helloComplete()

	case wire.KindEntryAssignment:
		// A client applies the bootstrap before the handshake completes.
		if state != StateConnected && !(s.cfg.Role == RoleClient && state == StateAwaitingHello) {
			return violation("%s in %s", m.Kind, state)
		}
		_, err := s.table.ApplyAssignment(m.ID, m.Name, m.Sequence, m.Value, s)
		s.rejected(m, err)
		return nil

	case wire.KindEntryUpdate:
		if state != StateConnected {
			return violation("%s in %s", m.Kind, state)
		}
		_, err := s.table.ApplyUpdate(m.ID, m.Sequence, m.Value, s)
		s.rejected(m, err)
		return nil

	default:
		return violation("unexpected %s", m.Kind)
	}
}

// rejected reports a mutation the table refused. These stay local to the
// table and never end the session.
func (s *Session) rejected(m wire.Message, err error) {
	if err == nil {
		return
	}
	glog.V(1).Infof("[s]%s rejected %s: %s\n", s.id, m, err)
	s.report(fmt.Errorf("session %s: %s: %w", s.id, m.Kind, err))
}

// bootstrap sends the table followed by ServerHelloComplete. Events offered
// while the snapshot is taken are queued and sent after it; duplicates are
// discarded by the peer's sequence check.
func (s *Session) bootstrap() error {
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()

	snapshot := s.table.Snapshot()
	s.writeMu.Lock()
	var err error
	for _, state := range snapshot {
		if err = s.conn.WriteMessage(wire.EntryAssignment(state)); err != nil {
			break
		}
	}
	if err == nil {
		err = s.conn.WriteMessage(wire.ServerHelloComplete())
	}
	if err == nil {
		s.state.CompareAndSwap(int32(StateAwaitingHello), int32(StateConnected))
	}
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: bootstrap: %w", ErrTransportFault, err)
	}
	glog.V(1).Infof("[s]%s bootstrap %d entries\n", s.id, len(snapshot))
	return s.flush()
}

func (s *Session) helloComplete() error {
	s.state.CompareAndSwap(int32(StateAwaitingHello), int32(StateConnected))
	for _, e := range s.table.Unassigned() {
		s.enqueue(event{kind: eventAssignment, entry: e})
	}
	glog.V(1).Infof("[s]%s handshake complete\n", s.id)
	return s.flush()
}

// OfferAssignment queues e for transmission as an assignment.
func (s *Session) OfferAssignment(e *storage.Entry) {
	s.enqueue(event{kind: eventAssignment, entry: e})
}

// OfferUpdate queues e for transmission as an update.
func (s *Session) OfferUpdate(e *storage.Entry) {
	s.enqueue(event{kind: eventUpdate, entry: e})
}

// KeepAlive queues a keep-alive.
func (s *Session) KeepAlive() {
	if s.State() != StateConnected {
		return
	}
	s.enqueue(event{kind: eventKeepAlive})
}

// enqueue drops events until the session can use them; a server session
// that has not seen Hello yet will send the whole table anyway.
func (s *Session) enqueue(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.State()
	if state.Terminal() || (state != StateConnected && !s.accepting) {
		return
	}
	s.pending = append(s.pending, ev)
}

// Flush writes the queued events and flushes the connection. A failure
// ends the session. Events stay queued until the handshake completes.
func (s *Session) Flush() {
	if err := s.flush(); err != nil {
		s.finish(StateError, err)
	}
}

// Kick schedules a Flush on a background goroutine and returns at once.
// Kicks that arrive while a flush runs are served by one more pass, so
// a peer that stops reading only holds up its own session.
func (s *Session) Kick() {
	if s.State().Terminal() {
		return
	}
	if s.flushReq.Add(1) > 1 {
		return
	}
	go func() {
		for {
			n := s.flushReq.Load()
			s.Flush()
			if s.flushReq.Add(-n) == 0 {
				return
			}
		}
	}()
}

func (s *Session) flush() error {
	if s.State() != StateConnected {
		return nil
	}
	// The queue is taken under writeMu so concurrent flushes keep its order.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	queued := make(map[*storage.Entry]bool, len(events))
	for _, ev := range events {
		if ev.entry != nil {
			if queued[ev.entry] {
				continue
			}
			queued[ev.entry] = true
		}
		m := s.render(ev)
		if glog.V(2) {
			glog.Infof("[s]%s-> %s\n", s.id, m)
		}
		if err := s.conn.WriteMessage(m); err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransportFault, err)
		}
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrTransportFault, err)
	}
	return nil
}

func (s *Session) render(ev event) wire.Message {
	if ev.kind == eventKeepAlive {
		return wire.KeepAlive()
	}
	// Sending consumes the coalescing mark, so a write from here on is
	// forwarded again instead of being dropped.
	ev.entry.ClearDirty()
	state := ev.entry.State()
	// An entry without an id can only be announced.
	if ev.kind == eventAssignment || !state.ID.Known() {
		return wire.EntryAssignment(state)
	}
	return wire.EntryUpdate(state)
}

func (s *Session) write(m wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(m); err != nil {
		return err
	}
	return s.conn.Flush()
}

// Close ends the session as disconnected. It is safe to call concurrently
// with Run and more than once.
func (s *Session) Close() {
	s.closing.Store(true)
	s.finish(StateDisconnected, nil)
}

func (s *Session) finish(state State, err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.state.Store(int32(state))
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		_ = s.conn.Close()
		if s.registry != nil {
			s.registry.Remove(s, false)
		}
		if err != nil {
			glog.Infof("[s]%s %s end %s = %s\n", s.id, s.conn.RemoteAddr(), state, err)
			s.report(err)
		} else {
			glog.V(1).Infof("[s]%s %s end %s\n", s.id, s.conn.RemoteAddr(), state)
		}
		close(s.done)
	})
}

func (s *Session) report(err error) {
	if s.cfg.OnError == nil || err == nil {
		return
	}
	s.cfg.OnError(err)
}
