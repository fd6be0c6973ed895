// Package coordinator centralizes sensor updates and hands them to every
// downstream consumer (websocket hub, MQTT, Kafka, InfluxDB) in order.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torquehook/internal/entity"
)

// Update is the set of sensors of one account that changed in one upload.
type Update struct {
	AccountID string         `json:"account_id"`
	Received  time.Time      `json:"received"`
	Created   []entity.State `json:"created,omitempty"`
	Sensors   []entity.State `json:"sensors"`
}

// Listener receives updates. It is called from the coordinator goroutine and
// must not block for long.
type Listener func(Update)

type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Listeners int    `json:"listeners"`
}

type Coordinator struct {
	logger *slog.Logger
	queue  chan Update

	mu        sync.RWMutex
	listeners map[string]Listener

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(logger *slog.Logger, queueSize int) *Coordinator {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Coordinator{
		logger:    logger.With("component", "coordinator"),
		queue:     make(chan Update, queueSize),
		listeners: make(map[string]Listener),
	}
}

// Subscribe registers a listener under name, replacing any previous one with
// the same name. The returned function removes it.
func (c *Coordinator) Subscribe(name string, l Listener) func() {
	c.mu.Lock()
	c.listeners[name] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, name)
		c.mu.Unlock()
	}
}

// Publish queues an update without blocking. A full queue drops it.
func (c *Coordinator) Publish(u Update) bool {
	c.published.Add(1)
	select {
	case c.queue <- u:
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warn("update queue full, dropping update", "account", u.AccountID, "sensors", len(u.Sensors))
		return false
	}
}

// Run delivers queued updates until ctx is done. Updates still queued at that
// point are delivered before returning.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case u := <-c.queue:
			c.deliver(u)
		case <-ctx.Done():
			for {
				select {
				case u := <-c.queue:
					c.deliver(u)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) deliver(u Update) {
	c.mu.RLock()
	names := make([]string, 0, len(c.listeners))
	for name := range c.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	ls := make([]Listener, len(names))
	for i, name := range names {
		ls[i] = c.listeners[name]
	}
	c.mu.RUnlock()

	for i, l := range ls {
		c.safeCall(names[i], l, u)
	}
	c.delivered.Add(1)
}

func (c *Coordinator) safeCall(name string, l Listener, u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "listener", name, "panic", r)
		}
	}()
	l(u)
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	n := len(c.listeners)
	c.mu.RUnlock()
	return Stats{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Listeners: n,
	}
}
