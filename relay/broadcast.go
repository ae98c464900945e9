package relay

import (
	"errors"
	"sort"
	"sync"

	"wsrelay/net/envelope"
	"wsrelay/net/wsconn"

	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

// Sender is an open connection the relay can write to.
type Sender interface {
	ID() uint64
	Send(data []byte) error
	Close() error
}

// Broadcaster holds the set of open connections and fans messages out to them.
type Broadcaster struct {
	mu      sync.RWMutex
	conns   map[uint64]Sender
	metrics *Metrics
}

func NewBroadcaster(metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		conns:   make(map[uint64]Sender),
		metrics: metrics,
	}
}

func (b *Broadcaster) Add(c Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
	b.metrics.setConnections(len(b.conns))
}

// Remove reports whether the connection was present.
func (b *Broadcaster) Remove(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[id]
	delete(b.conns, id)
	b.metrics.setConnections(len(b.conns))
	return ok
}

func (b *Broadcaster) Get(id uint64) (Sender, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[id]
	return c, ok
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// snapshot returns the connections ordered by id
func (b *Broadcaster) snapshot() []Sender {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Sender, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Send writes data to every connection but except (0 excludes nobody) and
// returns the number of connections that accepted it. A failing recipient is
// skipped and the others still receive.
func (b *Broadcaster) Send(data []byte, except uint64) int {
	delivered := 0
	for _, c := range b.snapshot() {
		if c.ID() == except {
			continue
		}

		err := c.Send(data)
		switch {
		case err == nil:
			delivered++
			b.metrics.broadcastResult("delivered")
		case errors.Is(err, wsconn.ErrClosed):
			log.Debugf("relay.Broadcaster: skipping closed connection %d", c.ID())
			b.metrics.broadcastResult("closed")
		case errors.Is(err, wsconn.ErrSendQueueFull):
			log.Warnf("relay.Broadcaster: send queue of connection %d is full, message dropped", c.ID())
			b.metrics.broadcastResult("queue_full")
		default:
			log.Warnf("relay.Broadcaster: send to connection %d failed: %v", c.ID(), err)
			b.metrics.broadcastResult("error")
		}
	}
	return delivered
}

// Broadcast encodes {method, params} once and sends it to every connection but except.
func (b *Broadcaster) Broadcast(method string, params any, except uint64) (int, error) {
	data, err := envelope.Encode(method, params)
	if err != nil {
		return 0, err
	}
	return b.Send(data, except), nil
}

// CloseAll closes and forgets every connection.
func (b *Broadcaster) CloseAll() error {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[uint64]Sender)
	b.metrics.setConnections(0)
	b.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
