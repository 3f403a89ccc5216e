package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/DobryySoul/nettable/internal/session"
	"github.com/DobryySoul/nettable/internal/transport"
)

const (
	dialTimeout     = 5 * time.Second
	retryInterval   = 250 * time.Millisecond
	maxRetryBackoff = 10 * time.Second
)

// Dialer opens a connection to a hosting node.
type Dialer func(ctx context.Context, addr string) (transport.Conn, error)

// ClientTable is the part of the entry table a client drives across
// reconnects.
type ClientTable interface {
	session.Table
	ClearIDs()
}

// Client keeps one client session to a hosting node alive. Candidate
// servers come from configuration or discovery; one is picked at random
// for every connection attempt.
type Client struct {
	dial      Dialer
	table     ClientTable
	registry  *session.Registry
	reconnect bool
	onError   func(error)
	idle      time.Duration

	serversMu  sync.RWMutex
	servers    []string
	serversSet map[string]struct{}
	wake       chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client that dials servers with dial once started.
func NewClient(
	servers []string,
	dial Dialer,
	table ClientTable,
	registry *session.Registry,
	reconnect bool,
	onError func(error),
) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dial:       dial,
		table:      table,
		registry:   registry,
		reconnect:  reconnect,
		onError:    onError,
		serversSet: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.AddServers(servers)
	return c
}

// SetIdleTimeout ends a session whose server stays silent for timeout.
// It must be called before Start.
func (c *Client) SetIdleTimeout(timeout time.Duration) {
	c.idle = timeout
}

// Start runs the connect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop ends the current session and the reconnect loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cancel()
	})
	c.wg.Wait()
}

// Done is closed once the client gives up for good.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func filterServers(servers []string) []string {
	seen := make(map[string]struct{}, len(servers))
	out := make([]string, 0, len(servers))
	for _, server := range servers {
		if server == "" {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		out = append(out, server)
	}
	return out
}

// AddServers adds candidate server addresses and wakes a client that is
// waiting for one.
func (c *Client) AddServers(servers []string) {
	filtered := filterServers(servers)
	if len(filtered) == 0 {
		return
	}
	c.serversMu.Lock()
	added := false
	for _, server := range filtered {
		if _, ok := c.serversSet[server]; ok {
			continue
		}
		c.serversSet[server] = struct{}{}
		c.servers = append(c.servers, server)
		added = true
	}
	c.serversMu.Unlock()
	if added {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Servers returns the known candidate servers.
func (c *Client) Servers() []string {
	c.serversMu.RLock()
	defer c.serversMu.RUnlock()
	return append([]string(nil), c.servers...)
}

func (c *Client) randomServer() (string, bool) {
	c.serversMu.RLock()
	defer c.serversMu.RUnlock()
	if len(c.servers) == 0 {
		return "", false
	}
	index, err := cryptoIntn(len(c.servers))
	if err != nil {
		return "", false
	}
	return c.servers[index], true
}

func (c *Client) nextServer() (string, bool) {
	for {
		if server, ok := c.randomServer(); ok {
			return server, true
		}
		select {
		case <-c.stop:
			return "", false
		case <-c.wake:
		}
	}
}

func (c *Client) loop() {
	defer c.wg.Done()
	defer c.cancel()
	for {
		addr, ok := c.nextServer()
		if !ok {
			return
		}
		conn, err := c.connect(addr)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.reportErr(fmt.Errorf("network: connect %s: %w", addr, err))
			if !c.reconnect {
				return
			}
			continue
		}

		s := session.New(session.Config{
			Role:        session.RoleClient,
			OnError:     c.onError,
			IdleTimeout: c.idle,
		}, conn, c.table, c.registry)
		if err := c.registry.Add(s); err != nil {
			_ = conn.Close()
			return
		}
		err = s.Run(c.ctx)
		if errors.Is(err, session.ErrUnsupportedRevision) {
			glog.Warningf("[c]%s: %s, not reconnecting\n", addr, err)
			return
		}
		if c.ctx.Err() != nil || !c.reconnect {
			return
		}
		// The next bootstrap hands out ids again.
		c.table.ClearIDs()
		glog.V(1).Infof("[c]%s session ended, reconnecting\n", addr)
	}
}

func (c *Client) connect(addr string) (transport.Conn, error) {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.reconnect {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = retryInterval
		exp.MaxInterval = maxRetryBackoff
		exp.MaxElapsedTime = 0
		policy = exp
	}

	var conn transport.Conn
	op := func() error {
		ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
		defer cancel()
		var err error
		conn, err = c.dial(ctx, addr)
		return err
	}
	notify := func(err error, next time.Duration) {
		glog.V(1).Infof("[c]dial %s failed, retry in %s: %s\n", addr, next, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, c.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func cryptoIntn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("network: invalid bound")
	}
	limit := big.NewInt(int64(n))
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return 0, err
	}
	return int(value.Int64()), nil
}

func (c *Client) reportErr(err error) {
	if c.onError == nil || err == nil {
		return
	}
	c.onError(err)
}
