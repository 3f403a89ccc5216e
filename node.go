package nettable

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/discovery"
	"github.com/DobryySoul/nettable/internal/network"
	"github.com/DobryySoul/nettable/internal/session"
	"github.com/DobryySoul/nettable/internal/storage"
	"github.com/DobryySoul/nettable/internal/transport"
)

const (
	// idleKeepAlives is how many keep-alive intervals a peer may stay
	// silent before its session ends.
	idleKeepAlives = 3
	// closeDrainTimeout bounds the final flush in Close.
	closeDrainTimeout = time.Second
)

// Node is one participant of a replicated table: the hosting server, a
// client of one, or a purely local table.
// It is safe for concurrent use by multiple goroutines.
type Node struct {
	cfg       Config
	codecs    *codec.Registry
	table     *storage.Table
	registry  *session.Registry
	coalescer *session.Coalescer
	driver    *session.Driver
	host      *network.Host
	client    *network.Client
	discovery *discovery.MDNS
	mu        sync.RWMutex
	closed    bool
}

// SessionInfo describes one peer connection.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	State      SessionState
}

// New creates a node with the provided options.
// With WithBindAddr the node hosts the table; with WithServerAddr or
// WithServerDiscovery it joins one. Otherwise the table stays local.
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	errorHandler := cfg.errorHandler
	if errorHandler == nil {
		errorHandler = func(error) {}
	}

	codecs := codec.NewRegistry()
	for _, c := range cfg.codecs {
		if err := codecs.Register(c); err != nil {
			return nil, fmt.Errorf("nettable: %w", err)
		}
	}

	joining := cfg.ServerAddr != "" || cfg.DiscoverServer
	registry := session.NewRegistry()
	coalescer := session.NewCoalescer(registry)
	n := &Node{
		cfg:       cfg,
		codecs:    codecs,
		table:     storage.NewTable(!joining, nil, coalescer, registry),
		registry:  registry,
		coalescer: coalescer,
		driver:    session.NewDriver(coalescer, registry, cfg.FlushInterval, cfg.KeepAliveInterval),
	}

	switch {
	case cfg.BindAddr != "":
		if err := n.startHost(errorHandler); err != nil {
			return nil, err
		}
	case joining:
		if err := n.startClient(errorHandler); err != nil {
			return nil, err
		}
	}
	n.driver.Start()
	return n, nil
}

func (n *Node) startHost(onError func(error)) error {
	ln, err := n.listen()
	if err != nil {
		return err
	}
	n.host = network.NewHost(ln, n.table, n.registry, onError)
	n.host.SetIdleTimeout(n.idleTimeout())
	n.host.Start()
	glog.V(1).Infof("[n]%s hosting on %s (%s)\n", n.cfg.NodeID, ln.Addr(), n.cfg.Transport)

	if n.cfg.Discovery {
		mdns, err := discovery.Announce(n.cfg.NodeID, ln.Addr(),
			"transport="+n.cfg.Transport.String(), "path="+n.cfg.WebSocketPath)
		if err != nil {
			_ = n.host.Stop()
			return err
		}
		n.discovery = mdns
	}
	return nil
}

func (n *Node) listen() (transport.Listener, error) {
	if n.cfg.Transport == TransportWebSocket {
		ln, err := transport.ListenWebSocket(n.cfg.BindAddr, n.webSocketSettings(), n.codecs)
		if err != nil {
			return nil, err
		}
		return ln, nil
	}
	ln, err := transport.ListenTCP(n.cfg.BindAddr, n.codecs)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func (n *Node) startClient(onError func(error)) error {
	var servers []string
	if n.cfg.ServerAddr != "" {
		servers = []string{n.cfg.ServerAddr}
	}
	n.client = network.NewClient(servers, n.dial, n.table, n.registry, n.cfg.Reconnect, onError)
	n.client.SetIdleTimeout(n.idleTimeout())
	n.client.Start()

	if n.cfg.DiscoverServer {
		mdns, err := discovery.Browse(n.cfg.NodeID, n.client.AddServers)
		if err != nil {
			n.client.Stop()
			return err
		}
		n.discovery = mdns
	}
	return nil
}

func (n *Node) idleTimeout() time.Duration {
	return idleKeepAlives * n.cfg.KeepAliveInterval
}

func (n *Node) dial(ctx context.Context, addr string) (transport.Conn, error) {
	if n.cfg.Transport == TransportWebSocket {
		url := addr
		if !strings.Contains(addr, "://") {
			url = transport.WebSocketURL(addr, n.cfg.WebSocketPath)
		}
		conn, err := transport.DialWebSocket(ctx, url, n.webSocketSettings(), n.codecs)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, err := transport.DialTCP(ctx, addr, n.codecs)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (n *Node) webSocketSettings() *transport.WebSocketSettings {
	settings := transport.DefaultWebSocketSettings()
	settings.Path = n.cfg.WebSocketPath
	return settings
}

// NodeID returns the configured or generated node id.
func (n *Node) NodeID() string {
	return n.cfg.NodeID
}

// Addr returns the address a hosting node listens on, or "".
func (n *Node) Addr() string {
	if n.host == nil {
		return ""
	}
	return n.host.Addr()
}

// Set writes value under name. The first write fixes the entry's type;
// writing an equal value is a no-op.
// The call is context-aware and returns ErrCanceled/ErrTimeout accordingly.
func (n *Node) Set(ctx context.Context, name string, value Value) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	if value.IsZero() {
		return fmt.Errorf("nettable: empty value for %q", name)
	}
	if _, err := n.codecs.Lookup(value.Type()); err != nil {
		return mapStoreErr(err)
	}
	return mapStoreErr(n.table.ApplyLocal(name, value.Type(), value))
}

// Get returns the current value of name.
// It returns ErrUnknownKey if there is no such entry.
func (n *Node) Get(ctx context.Context, name string) (Value, error) {
	info, err := n.Info(ctx, name)
	if err != nil {
		return Value{}, err
	}
	return info.Value, nil
}

// Info returns the id, type, sequence number and value of name.
func (n *Node) Info(ctx context.Context, name string) (EntryInfo, error) {
	if err := n.check(ctx); err != nil {
		return EntryInfo{}, err
	}
	info, err := n.table.Get(name)
	if err != nil {
		return EntryInfo{}, mapStoreErr(err)
	}
	return info, nil
}

// InfoByID looks an entry up by its assigned id.
func (n *Node) InfoByID(ctx context.Context, id ID) (EntryInfo, error) {
	if err := n.check(ctx); err != nil {
		return EntryInfo{}, err
	}
	info, ok := n.table.GetByID(id)
	if !ok {
		return EntryInfo{}, fmt.Errorf("%w: id %d", ErrUnknownKey, id)
	}
	return info, nil
}

// Entries returns every entry ordered by id, unnumbered entries last.
func (n *Node) Entries(ctx context.Context) ([]EntryInfo, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	return n.table.Snapshot(), nil
}

// Names returns the entry names in lexical order.
func (n *Node) Names(ctx context.Context) ([]string, error) {
	entries, err := n.Entries(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	slices.Sort(names)
	return names, nil
}

// PutComplex stores external under name through the complex codec of t.
// The codec sees the currently stored value and may reuse it.
func (n *Node) PutComplex(ctx context.Context, name string, t Type, external any) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	cc, err := n.codecs.Complex(t)
	if err != nil {
		return mapStoreErr(err)
	}
	return mapStoreErr(n.table.Transform(name, t, func(prior Value) (Value, error) {
		return cc.Internalize(prior, external)
	}))
}

// GetComplex copies the value of name into target through the complex
// codec of the entry's type.
func (n *Node) GetComplex(ctx context.Context, name string, target any) error {
	info, err := n.Info(ctx, name)
	if err != nil {
		return err
	}
	cc, err := n.codecs.Complex(info.Type)
	if err != nil {
		return mapStoreErr(err)
	}
	return cc.Externalize(info.Value, target)
}

// AddListener registers fn for every accepted change, local or remote.
// With replay, fn first receives every current entry as new.
func (n *Node) AddListener(fn Listener, replay bool) ListenerID {
	id := n.table.Listeners().Add(fn)
	if replay {
		n.table.Replay(fn)
	}
	return id
}

// RemoveListener unregisters a listener and reports whether it was known.
func (n *Node) RemoveListener(id ListenerID) bool {
	return n.table.Listeners().Remove(id)
}

// Replay reports every current entry to fn as new.
func (n *Node) Replay(fn Listener) {
	n.table.Replay(fn)
}

// Flush starts sending pending writes now instead of at the end of the
// window. It does not wait for the peers.
func (n *Node) Flush() {
	n.coalescer.Flush(n.registry)
}

// Sessions lists the live peer connections.
func (n *Node) Sessions() []SessionInfo {
	sessions := n.registry.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:         s.ID().String(),
			RemoteAddr: s.RemoteAddr(),
			State:      s.State(),
		})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close flushes pending writes, disconnects every peer and stops
// discovery. The final flush waits at most a second, or until ctx ends,
// for slow peers. The table stays readable through Replay.
// Further operations will return ErrClosed.
func (n *Node) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	n.mu.Unlock()

	n.driver.Stop()
	drainCtx, cancel := context.WithTimeout(ctx, closeDrainTimeout)
	if err := n.registry.Drain(drainCtx); err != nil {
		glog.V(1).Infof("[n]%s final flush cut short: %s\n", n.cfg.NodeID, err)
	}
	cancel()
	n.discovery.Stop()
	var err error
	if n.host != nil {
		err = n.host.Stop()
	}
	if n.client != nil {
		n.client.Stop()
	}
	n.registry.CloseAll()
	return err
}

func (n *Node) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}
