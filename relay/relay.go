// Package relay implements the central process peers connect to: the registry
// of live peers, the liveness prober, the dispatch reactor and broadcasts.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"wsrelay/datamodel/peer"
	"wsrelay/net/dispatch"
	"wsrelay/net/envelope"
	"wsrelay/relay/protocol"
	"wsrelay/token"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var ErrAlreadyRunning = errors.New("relay: already started")

const (
	DefaultProbePeriod  = 5 * time.Second
	DefaultInboundQueue = 256
)

// Conn is a connection handed to the relay by the transport.
type Conn interface {
	Sender
	RemoteAddr() string
	ReadMessage() ([]byte, error)
}

// With a custom Peers the relay announces Peers.Server(); ID and Port are
// only used to build the default registry.
type Options struct {
	ID           uuid.UUID     // Relay identifier, random when zero
	Port         int           // Port announced to peers
	Broadcast    bool          // Forward every inbound message to all other connections
	ProbePeriod  time.Duration // Time between probe cycles
	InboundQueue int           // Messages buffered between the readers and the reactor

	Clock    clock.Clock          // Drives the prober, real clock when nil
	Ledger   peer.Ledger          // Optional peer history
	Registry *prometheus.Registry // Metrics registry, private when nil
	OnEvict  func(Entry)          // Optional eviction notification, runs inside the probe cycle
	Peers    PeerSet              // Registry implementation, NewRegistry when nil
}

type inbound struct {
	conn   Conn
	data   []byte
	closed bool
}

type Relay struct {
	clk      clock.Clock
	registry PeerSet
	prober   *Prober
	conns    *Broadcaster
	table    *dispatch.Table
	metrics  *Metrics
	onEvict  func(Entry)

	ledger   peer.Ledger
	ledgerMu sync.Mutex

	broadcast atomic.Bool
	running   atomic.Bool
	inbound   chan inbound
	done      chan struct{}

	// Which connection an admitted peer arrived on, both ways
	bindMu     sync.Mutex
	connToPeer map[uint64]uuid.UUID
	peerToConn map[uuid.UUID]uint64
}

func New(opts Options) *Relay {
	if opts.Peers != nil {
		if srv := opts.Peers.Server(); opts.ID != uuid.Nil && opts.ID != srv.ID {
			log.Warnf("relay: ignoring id %s, the peer set announces %s", opts.ID, srv.ID)
		}
	} else if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}
	if opts.ProbePeriod <= 0 {
		opts.ProbePeriod = DefaultProbePeriod
	}
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = DefaultInboundQueue
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Peers == nil {
		opts.Peers = NewRegistry(peer.ServerIdentity{ID: opts.ID, Port: opts.Port}, opts.Clock)
	}

	r := &Relay{
		clk:        opts.Clock,
		registry:   opts.Peers,
		table:      dispatch.NewTable(),
		metrics:    NewMetrics(opts.Registry),
		onEvict:    opts.OnEvict,
		ledger:     opts.Ledger,
		inbound:    make(chan inbound, opts.InboundQueue),
		done:       make(chan struct{}),
		connToPeer: make(map[uint64]uuid.UUID),
		peerToConn: make(map[uuid.UUID]uint64),
	}
	r.conns = NewBroadcaster(r.metrics)
	r.prober = NewProber(r.registry, r.clk, opts.ProbePeriod, r.sendProbe, r.evicted)
	r.broadcast.Store(opts.Broadcast)

	r.table.Builtin(protocol.MethodClientRequestConnect, dispatch.HandlerFunc(r.handleConnect))
	r.table.Builtin(protocol.MethodClientReturnProbe, dispatch.HandlerFunc(r.handleProbeReturn))

	srv := r.registry.Server()
	log.Infof("relay: I am %s, port %d, pass-through %t, probing every %v", srv.ID, srv.Port, opts.Broadcast, opts.ProbePeriod)

	return r
}

// Handle registers an application handler. Methods of the liveness protocol are reserved.
func (r *Relay) Handle(method string, h dispatch.Handler) error {
	return r.table.Handle(method, h)
}

func (r *Relay) HandleFunc(method string, f func(origin dispatch.Origin, env *envelope.Envelope)) error {
	return r.table.HandleFunc(method, f)
}

// SetBroadcast switches pass-through on or off while running.
func (r *Relay) SetBroadcast(on bool) {
	r.broadcast.Store(on)
	log.Infof("relay: pass-through %t", on)
}

func (r *Relay) Broadcasting() bool {
	return r.broadcast.Load()
}

func (r *Relay) Server() peer.ServerIdentity {
	return r.registry.Server()
}

func (r *Relay) Peers() []Entry {
	return r.registry.Entries()
}

func (r *Relay) Prober() *Prober {
	return r.prober
}

func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

// Connections returns the number of open connections, admitted or not.
func (r *Relay) Connections() int {
	return r.conns.Len()
}

// Broadcast sends {method, params} to every open connection.
func (r *Relay) Broadcast(method string, params any) (int, error) {
	return r.conns.Broadcast(method, params, 0)
}

// BroadcastExcept sends {method, params} to every open connection but the one
// peerID was admitted on. An unknown peer excludes nobody.
func (r *Relay) BroadcastExcept(method string, params any, peerID uuid.UUID) (int, error) {
	r.bindMu.Lock()
	connID, ok := r.peerToConn[peerID]
	r.bindMu.Unlock()

	if !ok {
		log.Debugf("relay: BroadcastExcept: peer %s has no connection", peerID)
	}
	return r.conns.Broadcast(method, params, connID)
}

// ServeConn reads c until it fails or the relay stops. It is meant to be the
// per-connection handler of the transport; the caller closes c afterwards.
func (r *Relay) ServeConn(c Conn) {
	select {
	case <-r.done:
		return
	default:
	}

	r.conns.Add(c)
	select {
	case <-r.done:
		// Run finished between the check above and Add
		r.conns.Remove(c.ID())
		return
	default:
	}
	log.Debugf("relay: connection %d from %s opened", c.ID(), c.RemoteAddr())

	for {
		data, err := c.ReadMessage()
		if err != nil {
			log.Debugf("relay: connection %d from %s: read ended: %v", c.ID(), c.RemoteAddr(), err)
			if !r.enqueue(inbound{conn: c, closed: true}) {
				r.conns.Remove(c.ID())
			}
			return
		}
		if !r.enqueue(inbound{conn: c, data: data}) {
			r.conns.Remove(c.ID())
			return
		}
	}
}

func (r *Relay) enqueue(in inbound) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbound <- in:
		return true
	case <-r.done:
		return false
	}
}

// Run drives the reactor and the prober until ctx is cancelled, then closes
// every connection. A relay runs once.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return r.reactor(cctx)
	})

	wg.Go(func() error {
		err := r.prober.Run(cctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	err := wg.Wait()

	close(r.done)
	if cerr := r.conns.CloseAll(); cerr != nil {
		log.Warnf("relay: closing connections: %v", cerr)
	}

	log.Infof("relay: stopped")
	return err
}

// reactor is the only reader of the inbound queue, so messages and the close
// of a connection are handled in the order they were read. Each one is handled
// between probe cycles, never during one.
func (r *Relay) reactor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-r.inbound:
			r.handle(in)
		}
	}
}

func (r *Relay) handle(in inbound) {
	r.prober.cycleMu.Lock()
	defer r.prober.cycleMu.Unlock()

	if in.closed {
		r.handleClose(in.conn)
	} else {
		r.handleMessage(in.conn, in.data)
	}
}

func (r *Relay) handleMessage(c Conn, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		log.Warnf("relay: dropping message from connection %d: %v", c.ID(), err)
		r.metrics.messageResult("malformed")
		return
	}

	err = r.table.Dispatch(c, env)
	switch {
	case err == nil:
		r.metrics.messageResult("handled")
	case errors.Is(err, dispatch.ErrUnroutable):
		log.Debugf("relay: connection %d: %v", c.ID(), err)
		r.metrics.messageResult("unroutable")
	default:
		log.Errorf("relay: connection %d: %v", c.ID(), err)
		r.metrics.messageResult("panic")
	}

	if r.broadcast.Load() {
		r.conns.Send(data, c.ID())
	}
}

func (r *Relay) handleClose(c Conn) {
	r.conns.Remove(c.ID())

	r.bindMu.Lock()
	peerID, bound := r.connToPeer[c.ID()]
	if bound {
		delete(r.connToPeer, c.ID())
		if r.peerToConn[peerID] == c.ID() {
			delete(r.peerToConn, peerID)
		}
	}
	r.bindMu.Unlock()

	if bound && r.registry.RemoveByTransportClose(peerID) {
		log.Infof("relay: peer %s disconnected, %d peers remain", peerID, r.registry.Len())
		r.metrics.disconnected()
		r.metrics.setPeers(r.registry.Len())
		r.recordEvent(peer.EventDisconnected, peer.Identity{ID: peerID})
	}

	log.Debugf("relay: connection %d closed", c.ID())
}

// bind ties an admitted peer to its connection, dropping stale bindings on either side
func (r *Relay) bind(connID uint64, peerID uuid.UUID) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if old, ok := r.peerToConn[peerID]; ok && old != connID {
		delete(r.connToPeer, old)
	}
	if old, ok := r.connToPeer[connID]; ok && old != peerID {
		delete(r.peerToConn, old)
	}
	r.connToPeer[connID] = peerID
	r.peerToConn[peerID] = connID
}

func (r *Relay) unbindPeer(peerID uuid.UUID) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if connID, ok := r.peerToConn[peerID]; ok {
		delete(r.peerToConn, peerID)
		if r.connToPeer[connID] == peerID {
			delete(r.connToPeer, connID)
		}
	}
}

func (r *Relay) sendProbe(tok token.Token) error {
	srv := r.registry.Server()
	r.metrics.setPeers(srv.NumClients)
	r.metrics.cycled()

	_, err := r.conns.Broadcast(protocol.MethodServerProbe, &protocol.Probe{
		RefreshID: tok,
		ID:        srv.ID,
		Port:      srv.Port,
	}, 0)
	return err
}

// evicted runs inside the probe cycle once the entry is gone from the
// registry. The connection stays open.
func (r *Relay) evicted(e Entry) {
	log.Infof("relay: evicted peer %s (%s:%d) after a missed probe, warnings: %d", e.Identity.ID, e.Identity.Host, e.Identity.Port, e.WarningCount)

	r.unbindPeer(e.Identity.ID)
	r.metrics.evicted()
	r.metrics.setPeers(r.registry.Len())
	r.recordEvent(peer.EventEvicted, e.Identity)

	if r.onEvict != nil {
		r.onEvict(e)
	}
}
