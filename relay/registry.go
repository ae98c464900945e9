package relay

import (
	"errors"
	"sync"
	"time"

	"wsrelay/datamodel/peer"
	"wsrelay/token"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

var (
	ErrDuplicatePeer = errors.New("relay: peer already admitted")
	ErrUnknownPeer   = errors.New("relay: peer not admitted")
)

// Entry is the relay-held record of one admitted peer.
type Entry struct {
	Identity      peer.Identity `json:"identity"`
	LastSeenToken token.Token   `json:"lastSeenToken"` // Zero until the first echo
	WarningCount  int           `json:"warningCount"`
	Admitted      time.Time     `json:"admitted"`
	LastSeen      time.Time     `json:"lastSeen"`

	// Set once the entry has lived through a reconciliation. Unprobed entries
	// were admitted after the last probe went out and cannot have echoed it.
	probed bool
}

// PeerSet is the registry as seen by the relay. All methods are safe for
// concurrent use and return snapshots.
type PeerSet interface {
	Admit(id peer.Identity) error
	RecordEcho(id uuid.UUID, tok token.Token) error
	EvictStale(current token.Token) []Entry
	RemoveByTransportClose(id uuid.UUID) bool
	Server() peer.ServerIdentity
	Entries() []Entry
	Snapshot() (peer.ServerIdentity, []Entry)
	Len() int
	Contains(id uuid.UUID) bool
}

var _ PeerSet = (*Registry)(nil)

// Registry is the authoritative set of live peers. NumClients in the server
// identity is updated under the same lock as the entries.
type Registry struct {
	mu      sync.Mutex
	clk     clock.Clock
	server  peer.ServerIdentity
	entries []*Entry
}

func NewRegistry(server peer.ServerIdentity, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	server.NumClients = 0
	return &Registry{
		clk:    clk,
		server: server,
	}
}

func (r *Registry) find(id uuid.UUID) int {
	for i, e := range r.entries {
		if e.Identity.ID == id {
			return i
		}
	}
	return -1
}

// Admit adds a new entry with no token and no warnings.
func (r *Registry) Admit(id peer.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(id.ID) >= 0 {
		return ErrDuplicatePeer
	}

	now := r.clk.Now()
	r.entries = append(r.entries, &Entry{
		Identity: id,
		Admitted: now,
		LastSeen: now,
	})
	r.server.NumClients = len(r.entries)

	log.Debugf("relay.Registry: admitted %s (%s:%d), %d peers", id.ID, id.Host, id.Port, r.server.NumClients)
	return nil
}

// RecordEcho stores the token a peer returned.
func (r *Registry) RecordEcho(id uuid.UUID, tok token.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(id)
	if i < 0 {
		return ErrUnknownPeer
	}

	e := r.entries[i]
	e.LastSeenToken = tok
	e.LastSeen = r.clk.Now()
	return nil
}

// EvictStale removes every probed entry that did not echo current and returns
// them with their warning count incremented. Entries admitted since the last
// call are kept and become probed.
func (r *Registry) EvictStale(current token.Token) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*Entry, 0, len(r.entries))
	var evicted []Entry

	for _, e := range r.entries {
		switch {
		case !e.probed:
			e.probed = true
			kept = append(kept, e)
		case e.LastSeenToken == current && !current.IsZero():
			kept = append(kept, e)
		default:
			e.WarningCount++
			evicted = append(evicted, *e)
		}
	}

	r.entries = kept
	r.server.NumClients = len(kept)

	if len(evicted) > 0 {
		log.Debugf("relay.Registry: evicted %d stale peers, %d remain", len(evicted), len(kept))
	}
	return evicted
}

// RemoveByTransportClose drops the entry for id. It reports whether an entry was removed.
func (r *Registry) RemoveByTransportClose(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(id)
	if i < 0 {
		return false
	}

	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	r.server.NumClients = len(r.entries)
	return true
}

func (r *Registry) Server() peer.ServerIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server
}

// Entries returns copies of all entries in admission order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyEntries()
}

// Snapshot returns the server identity and the entries it counts, taken together.
func (r *Registry) Snapshot() (peer.ServerIdentity, []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server, r.copyEntries()
}

func (r *Registry) copyEntries() []Entry {
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Contains(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(id) >= 0
}
