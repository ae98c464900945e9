package peer

import (
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("peer not found")

// Identity is created by a peer when it connects and sent with its admission request.
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Host string    `json:"host"`
	Port int       `json:"port"`
}

// ServerIdentity describes the relay instance. NumClients always equals the
// number of admitted peers.
type ServerIdentity struct {
	ID         uuid.UUID `json:"id"`
	Port       int       `json:"port"`
	NumClients int       `json:"numClients"`
}

type EventKind uint8

const (
	EventAdmitted     EventKind = 1 // Peer admitted into the registry
	EventEvicted      EventKind = 2 // Peer missed a probe cycle
	EventDisconnected EventKind = 3 // Peer's transport closed while admitted
	EventRejected     EventKind = 4 // Duplicate admission refused
)

func (k EventKind) String() string {
	switch k {
	case EventAdmitted:
		return "admitted"
	case EventEvicted:
		return "evicted"
	case EventDisconnected:
		return "disconnected"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Record is the relay's long-term memory of one peer. It is kept for
// operators only; the live registry is never rebuilt from it.
type Record struct {
	ID            uuid.UUID `cbor:"1,keyasint,omitempty"` // Peer identifier
	Host          string    `cbor:"2,keyasint,omitempty"` // Host the peer announced
	Port          int       `cbor:"3,keyasint,omitempty"` // Port the peer announced
	FirstAdmitted time.Time `cbor:"4,keyasint,omitempty"`
	LastAdmitted  time.Time `cbor:"5,keyasint,omitempty"`
	LastSeen      time.Time `cbor:"6,keyasint,omitempty"` // Last admission or probe echo
	Admissions    uint64    `cbor:"7,keyasint,omitempty"`
	Evictions     uint64    `cbor:"8,keyasint,omitempty"`
	Disconnects   uint64    `cbor:"9,keyasint,omitempty"`
}

// Event is one entry of the ledger's append-only history.
type Event struct {
	SequenceNumber uint64    `cbor:"1,keyasint,omitempty"`
	Kind           EventKind `cbor:"2,keyasint,omitempty"`
	PeerID         uuid.UUID `cbor:"3,keyasint,omitempty"`
	Time           time.Time `cbor:"4,keyasint,omitempty"`
	NumClients     int       `cbor:"5,keyasint,omitempty"` // Registry size right after the event
}

// Ledger persists peer records and an event history.
type Ledger interface {
	// Get returns the record for a peer, or ErrNotFound.
	Get(uuid.UUID) (*Record, error)

	// Put stores or replaces a peer record.
	Put(*Record) (*Record, error)

	// Enumerate returns the ids of all known peers.
	Enumerate() ([]uuid.UUID, error)

	// Append assigns the next sequence number to the event and stores it.
	Append(*Event) (*Event, error)

	// EnumerateBySeq returns events with start <= seq < end.
	EnumerateBySeq(start uint64, end uint64) ([]*Event, error)

	// GetSeq returns the last assigned sequence number.
	GetSeq() uint64

	Close() error
}

func IsRecordEqual(a *Record, b *Record) bool {
	return reflect.DeepEqual(a, b)
}
