package session

import (
	"sync"
	"time"

	"github.com/DobryySoul/nettable/internal/storage"
)

// Flusher pushes queued output onto the wire.
type Flusher interface {
	FlushAll()
}

// Coalescer forwards at most one event per entry per flush window. Later
// writes in the same window are dropped: the forwarded event is rendered
// from the entry at flush time, so it already carries the last value.
type Coalescer struct {
	sink storage.Sink

	mu    sync.Mutex
	dirty []*storage.Entry
}

// NewCoalescer forwards the first write of each window to sink.
func NewCoalescer(sink storage.Sink) *Coalescer {
	return &Coalescer{sink: sink}
}

// OfferAssignment implements storage.Sink.
func (c *Coalescer) OfferAssignment(e *storage.Entry, origin any) {
	if !c.mark(e) {
		return
	}
	c.sink.OfferAssignment(e, origin)
}

// OfferUpdate implements storage.Sink.
func (c *Coalescer) OfferUpdate(e *storage.Entry, origin any) {
	if !c.mark(e) {
		return
	}
	c.sink.OfferUpdate(e, origin)
}

func (c *Coalescer) mark(e *storage.Entry) bool {
	if !e.MarkDirty() {
		return false
	}
	c.mu.Lock()
	c.dirty = append(c.dirty, e)
	c.mu.Unlock()
	return true
}

// Flush closes the window and hands it to out. Marks are cleared before the
// flush so a write racing with it is forwarded again rather than lost.
func (c *Coalescer) Flush(out Flusher) {
	c.mu.Lock()
	dirty := c.dirty
	c.dirty = nil
	c.mu.Unlock()
	for _, e := range dirty {
		e.ClearDirty()
	}
	out.FlushAll()
}

// Pending returns how many entries are marked in the current window.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Driver periodically flushes a coalescer into a registry and sends
// keep-alives. It only schedules writes, so a slow peer never holds up
// the loop.
type Driver struct {
	coalescer *Coalescer
	registry  *Registry

	flushInterval     time.Duration
	keepAliveInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDriver creates a stopped driver.
func NewDriver(coalescer *Coalescer, registry *Registry, flushInterval, keepAliveInterval time.Duration) *Driver {
	return &Driver{
		coalescer:         coalescer,
		registry:          registry,
		flushInterval:     flushInterval,
		keepAliveInterval: keepAliveInterval,
		stop:              make(chan struct{}),
	}
}

// Start runs the loop.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop ends the loop after scheduling a final flush. Registry.Drain
// waits for it.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}

func (d *Driver) loop() {
	defer d.wg.Done()
	flush := time.NewTicker(d.flushInterval)
	defer flush.Stop()
	keepAlive := time.NewTicker(d.keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-d.stop:
			d.coalescer.Flush(d.registry)
			return
		case <-flush.C:
			d.coalescer.Flush(d.registry)
		case <-keepAlive.C:
			d.registry.KeepAliveAll()
		}
	}
}
