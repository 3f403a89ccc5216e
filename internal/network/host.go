package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/DobryySoul/nettable/internal/session"
	"github.com/DobryySoul/nettable/internal/transport"
)

// acceptRetryDelay throttles the accept loop after a failed accept.
const acceptRetryDelay = 50 * time.Millisecond

// Host accepts connections and serves each one as a server session.
type Host struct {
	listener transport.Listener
	table    session.Table
	registry *session.Registry
	onError  func(error)
	idle     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHost serves connections from listener once started.
func NewHost(
	listener transport.Listener,
	table session.Table,
	registry *session.Registry,
	onError func(error),
) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		listener: listener,
		table:    table,
		registry: registry,
		onError:  onError,
		stop:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetIdleTimeout ends sessions whose peer stays silent for timeout.
// It must be called before Start.
func (h *Host) SetIdleTimeout(timeout time.Duration) {
	h.idle = timeout
}

// Addr returns the listener's address.
func (h *Host) Addr() string {
	return h.listener.Addr()
}

// Start runs the accept loop.
func (h *Host) Start() {
	h.wg.Add(1)
	go h.acceptLoop()
}

// Stop closes the listener and every session it started.
func (h *Host) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stop)
		err = h.listener.Close()
		h.cancel()
	})
	h.wg.Wait()
	return err
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			select {
			case <-h.stop:
				return
			case <-time.After(acceptRetryDelay):
			}
			h.reportErr(fmt.Errorf("network: accept: %w", err))
			continue
		}
		h.serve(conn)
	}
}

func (h *Host) serve(conn transport.Conn) {
	s := session.New(session.Config{
		Role:        session.RoleServer,
		OnError:     h.onError,
		IdleTimeout: h.idle,
	}, conn, h.table, h.registry)
	if err := h.registry.Add(s); err != nil {
		glog.V(1).Infof("[h]refuse %s: %s\n", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = s.Run(h.ctx)
	}()
}

func (h *Host) reportErr(err error) {
	if h.onError == nil || err == nil {
		return
	}
	h.onError(err)
}
