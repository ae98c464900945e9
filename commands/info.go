package commands

import (
	"context"
	"time"

	"wsrelay/config"
	"wsrelay/datastore/leveldb"
)

// Number of most recent ledger events printed by RunInfo
const infoRecentEvents = 20

func RunInfo(ctx context.Context, cfg *config.Config) {
	ledger, err := leveldb.NewLedger(cfg.DataStore.LedgerPath)
	if err != nil {
		log.Fatalf("Failed to open peer ledger: %v", err)
	}
	defer ledger.Close()

	peers, err := ledger.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer ledger: %v", err)
		return
	}

	log.Infof("Peer ledger: %d peers known", len(peers))
	for _, id := range peers {
		rec, err := ledger.Get(id)
		if err != nil {
			log.Errorf("Failed to get peer record: %v", err)
			continue
		}
		log.Infof("Peer: %s, addr: %s:%d, admissions: %d, evictions: %d, disconnects: %d, last seen: %v ago",
			rec.ID, rec.Host, rec.Port, rec.Admissions, rec.Evictions, rec.Disconnects, time.Since(rec.LastSeen).Round(time.Second))
	}

	last := ledger.GetSeq()
	first := uint64(1)
	if last > infoRecentEvents {
		first = last - infoRecentEvents + 1
	}

	events, err := ledger.EnumerateBySeq(first, last+1)
	if err != nil {
		log.Errorf("Failed to enumerate ledger events: %v", err)
		return
	}

	log.Infof("Ledger events: %d total, showing %d", last, len(events))
	for _, ev := range events {
		log.Infof("Event %d: %s %s at %v, %d peers", ev.SequenceNumber, ev.Kind, ev.PeerID, ev.Time.Format(time.RFC3339), ev.NumClients)
	}
}
