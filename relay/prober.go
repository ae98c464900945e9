package relay

import (
	"context"
	"sync"
	"time"

	"wsrelay/helper/timer"
	"wsrelay/token"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

type ProberState int32

const (
	ProberIdle ProberState = iota
	ProberReconciling
	ProberProbing
)

func (s ProberState) String() string {
	switch s {
	case ProberIdle:
		return "idle"
	case ProberReconciling:
		return "reconciling"
	case ProberProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Prober drives the liveness protocol. Each cycle first evicts the peers that
// did not echo the previous token, then rotates the token and probes every
// connection with it.
type Prober struct {
	registry PeerSet
	clk      clock.Clock
	period   time.Duration

	// Sends the probe carrying the new token to all connections
	probe func(tok token.Token) error
	// Called once per evicted entry, after it has been removed
	onEvict func(e Entry)

	// Held for a whole cycle. The relay reactor takes it around every
	// message and close it handles, so no admission or removal lands
	// between the eviction and the probe of a cycle.
	cycleMu sync.Mutex

	mu     sync.RWMutex
	tok    token.Token
	state  ProberState
	cycles uint64
	last   time.Time
}

func NewProber(registry PeerSet, clk clock.Clock, period time.Duration, probe func(token.Token) error, onEvict func(Entry)) *Prober {
	if clk == nil {
		clk = clock.New()
	}
	return &Prober{
		registry: registry,
		clk:      clk,
		period:   period,
		probe:    probe,
		onEvict:  onEvict,
	}
}

// Token returns the token of the current cycle, zero before the first one.
func (p *Prober) Token() token.Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tok
}

func (p *Prober) State() ProberState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Cycles returns the number of completed cycles and the time the last one finished.
func (p *Prober) Cycles() (uint64, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cycles, p.last
}

func (p *Prober) setState(s ProberState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Cycle runs one reconcile-and-probe round. Concurrent calls are serialized,
// and so are the relay's admissions and removals.
// A failed probe broadcast is logged, the cycle still counts.
func (p *Prober) Cycle(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	p.setState(ProberReconciling)
	evicted := p.registry.EvictStale(p.Token())
	for _, e := range evicted {
		if p.onEvict != nil {
			p.onEvict(e)
		}
	}

	tok, err := token.Random()
	if err != nil {
		p.setState(ProberIdle)
		return err
	}

	p.mu.Lock()
	p.tok = tok
	p.state = ProberProbing
	p.mu.Unlock()

	if err := p.probe(tok); err != nil {
		log.Warnf("relay.Prober: probe broadcast failed: %v", err)
	}

	p.mu.Lock()
	p.state = ProberIdle
	p.cycles++
	p.last = p.clk.Now()
	p.mu.Unlock()

	log.Debugf("relay.Prober: cycle done, evicted %d, %d peers remain, token %s", len(evicted), p.registry.Len(), tok)
	return nil
}

// Run cycles every period until ctx is cancelled. Ticks that arrive while a
// cycle is in progress are dropped.
func (p *Prober) Run(ctx context.Context) error {
	interval := &timer.Interval{
		Duration: p.period,
	}
	return timer.RunWithTicker(ctx, p.clk, interval, p.Cycle)
}
