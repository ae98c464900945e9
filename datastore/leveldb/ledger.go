package leveldb

import (
	"fmt"

	"wsrelay/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PER" // Peer records indexed by peer ID. Followed by textual UUID
	keyPrefixSeq  = "SEQ" // Events indexed by sequence number. Followed by a 16-digit hexadecimal sequence number (64 bit)
)

var _ peer.Ledger = (*Ledger)(nil)

type Ledger struct {
	LevelDB
	seq uint64
}

func NewLedger(path string) (*Ledger, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	// Scan the database to identify the sequence
	iter := ldb.NewIterator(util.BytesPrefix([]byte(keyPrefixSeq)), nil)
	defer iter.Release()

	var maxSeq uint64 = 0
	if iter.Last() {
		seq, err := seqFromKey(iter.Key())
		if err != nil {
			ldb.Close()
			return nil, err
		}
		maxSeq = seq
	}

	return &Ledger{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
		seq: maxSeq,
	}, nil
}

func (l *Ledger) Get(id uuid.UUID) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromPeerID(id), nil)
	if err == errors.ErrNotFound {
		return nil, peer.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &peer.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the ID just in case
	if rec.ID != id {
		log.Errorf("Ledger.Get: peer ID mismatch: %s != %s", id, rec.ID)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *Ledger) Put(rec *peer.Record) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := keyFromPeerID(rec.ID)

	raw, err := l.db.Get(key, nil)
	if err != nil && err != errors.ErrNotFound {
		return nil, err
	}
	if err == nil {
		existing := &peer.Record{}
		if err := cbor.Unmarshal(raw, existing); err == nil && peer.IsRecordEqual(existing, rec) {
			log.Debugf("Ledger.Put: record for %s is unchanged, skipping update", rec.ID)
			return existing, nil
		}
	}

	raw, err = cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(key, raw, nil); err != nil {
		return nil, err
	}

	return rec, nil
}

func (l *Ledger) Enumerate() ([]uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []uuid.UUID

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec.ID)
	}

	return results, iter.Error()
}

func (l *Ledger) Append(ev *peer.Event) (*peer.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	newSeq := l.seq + 1

	stored := *ev
	stored.SequenceNumber = newSeq

	raw, err := cbor.Marshal(&stored)
	if err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	batch.Put(keyFromSeq(newSeq), raw)
	if err := l.db.Write(batch, nil); err != nil {
		return nil, err
	}

	// Keep the last sequence number
	l.seq = newSeq

	return &stored, nil
}

func (l *Ledger) EnumerateBySeq(start uint64, end uint64) ([]*peer.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if start > end {
		return nil, fmt.Errorf("EnumerateBySeq: invalid range: start (%d) > end (%d)", start, end)
	}

	var results []*peer.Event

	iter := l.db.NewIterator(&util.Range{Start: keyFromSeq(start), Limit: keyFromSeq(end)}, nil)
	defer iter.Release()

	for iter.Next() {
		ev := &peer.Event{}
		if err := cbor.Unmarshal(iter.Value(), ev); err != nil {
			return nil, err
		}
		results = append(results, ev)
	}

	return results, iter.Error()
}

func (l *Ledger) GetSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
