package session

import (
	"context"
	"errors"
	"sync"

	"github.com/DobryySoul/nettable/internal/storage"
)

// ErrRegistryClosed is returned when adding to a closed registry.
var ErrRegistryClosed = errors.New("session: registry closed")

// Registry is the set of live sessions of a node. Broadcasts go to the
// sessions registered when the call starts and run outside the registry
// lock, so a session may remove itself while one is in progress.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewRegistry returns an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Add registers s for broadcasts. It fails once the registry is closed.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.sessions[s] = struct{}{}
	return nil
}

// Remove forgets s and optionally closes it. Removing an unknown session
// does nothing.
func (r *Registry) Remove(s *Session, closeTransport bool) {
	r.mu.Lock()
	_, ok := r.sessions[s]
	delete(r.sessions, s)
	r.mu.Unlock()
	if ok && closeTransport {
		s.Close()
	}
}

// CloseAll closes every session and rejects further additions.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := r.snapshotLocked()
	r.sessions = make(map[*Session]struct{})
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions in no particular order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastAssignment queues e on every session except origin.
func (r *Registry) BroadcastAssignment(e *storage.Entry, origin any) {
	for _, s := range r.Sessions() {
		if any(s) != origin {
			s.OfferAssignment(e)
		}
	}
}

// BroadcastUpdate queues e on every session except origin.
func (r *Registry) BroadcastUpdate(e *storage.Entry, origin any) {
	for _, s := range r.Sessions() {
		if any(s) != origin {
			s.OfferUpdate(e)
		}
	}
}

// OfferAssignment implements storage.Sink.
func (r *Registry) OfferAssignment(e *storage.Entry, origin any) {
	r.BroadcastAssignment(e, origin)
}

// OfferUpdate implements storage.Sink.
func (r *Registry) OfferUpdate(e *storage.Entry, origin any) {
	r.BroadcastUpdate(e, origin)
}

// FlushAll schedules a flush of every session without waiting for the
// writes.
func (r *Registry) FlushAll() {
	for _, s := range r.Sessions() {
		s.Kick()
	}
}

// KeepAliveAll sends a keep-alive to every connected session.
func (r *Registry) KeepAliveAll() {
	for _, s := range r.Sessions() {
		s.KeepAlive()
		s.Kick()
	}
}

// Drain flushes every session and waits until the writes are done or ctx
// ends. A session still writing when ctx ends keeps going until its write
// timeout or until it is closed.
func (r *Registry) Drain(ctx context.Context) error {
	sessions := r.Sessions()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			defer wg.Done()
			s.Flush()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
