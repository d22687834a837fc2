package dht

import (
	"time"

	"github.com/cenkalti/dhtnode/internal/peerstore"
)

// Stats is a snapshot of DHT counters. It is updated on every pre-bootstrap tick.
type Stats struct {
	Type               string
	Status             string
	StartedAt          time.Time `structs:",omitnested"`
	NumPeers           int
	NumTasks           int
	NumActiveTasks     int
	NumQueuedTasks     int
	NumEndpoints       int
	NumActiveEndpoints int
	NumSentPackets     int64
	NumReceivedPackets int64
	NumTimeouts        int64
	NumRPCCalls        int
	NumCachedLookups   int
	DB                 peerstore.Stats
}

// Stats returns the last snapshot.
func (d *DHT) Stats() Stats {
	d.mStats.RLock()
	defer d.mStats.RUnlock()
	return d.stats
}

func (d *DHT) resetStats(now time.Time) {
	d.mStats.Lock()
	d.stats = Stats{Type: d.typ.String(), StartedAt: now}
	d.mStats.Unlock()
}

func (d *DHT) updateStats(s *subsystems) {
	st := Stats{
		Type:               d.typ.String(),
		Status:             d.Status().String(),
		StartedAt:          s.startedAt,
		NumPeers:           s.table.Len(),
		NumActiveTasks:     len(s.tasks.Active()),
		NumQueuedTasks:     s.tasks.NumQueued(),
		NumEndpoints:       s.pool.Count(),
		NumActiveEndpoints: s.pool.ActiveCount(),
		NumCachedLookups:   s.cache.Len(),
		DB:                 s.store.Stats(),
	}
	st.NumTasks = st.NumActiveTasks + st.NumQueuedTasks
	for _, e := range s.pool.All() {
		es := e.Stats()
		st.NumSentPackets += es.Sent
		st.NumReceivedPackets += es.Received
		st.NumTimeouts += es.Timeouts
		st.NumRPCCalls += es.ActiveCalls
	}
	d.mStats.Lock()
	d.stats = st
	d.mStats.Unlock()
	for _, l := range d.statsListeners.snapshot() {
		l(st)
	}
}
