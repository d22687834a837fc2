package dht

import (
	"time"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/task"
)

// schedule registers a periodic callback owned by the run s.
func (d *DHT) schedule(s *subsystems, name string, initialDelay, period time.Duration, f func()) {
	s.mTimers.Lock()
	defer s.mTimers.Unlock()
	if s.timersStopped {
		return
	}
	h := d.sched.AtFixedRate(d.typ.String()+" "+name, initialDelay, period, f)
	s.timers = append(s.timers, h)
}

func (d *DHT) cancelTimers(s *subsystems) {
	s.mTimers.Lock()
	defer s.mTimers.Unlock()
	s.timersStopped = true
	for _, h := range s.timers {
		h.Cancel()
	}
	s.timers = nil
}

func (d *DHT) preBootstrapTick(s *subsystems) {
	if d.subsys.Load() != s {
		return
	}
	s.tasks.Dequeue()
	d.updateStats(s)
}

func (d *DHT) updateTick(s *subsystems) {
	if d.subsys.Load() != s {
		return
	}
	now := d.clock.Now()
	s.pool.Refresh(now)
	s.table.CheckBuckets(now)
	d.mBootstrap.Lock()
	bootstrapping := d.bootstrapping
	last := d.lastBootstrap
	d.mBootstrap.Unlock()
	if bootstrapping {
		return
	}
	if s.table.Len() < d.config.BootstrapIfLessThan || now.Sub(last) > d.config.SelfLookupInterval {
		d.Bootstrap()
	} else {
		d.setStatus(Running)
	}
}

func (d *DHT) expiryTick(s *subsystems) {
	if d.subsys.Load() != s {
		return
	}
	now := d.clock.Now()
	if n := s.store.Expire(now); n > 0 {
		d.log.Debugf("expired %d peers", n)
	}
	s.cache.Cleanup(now)
}

func (d *DHT) randomRefreshTick(s *subsystems) {
	if d.subsys.Load() != s {
		return
	}
	for _, e := range s.pool.All() {
		nl := d.findNode(s, key.Random(), false, false, e)
		nl.SetInfo("Random Refresh Lookup")
	}
	if s.table.InSurvivalMode() || s.tablePath == "" {
		return
	}
	if err := s.table.Save(s.tablePath); err != nil {
		d.log.Errorln("cannot save routing table:", err)
	}
}

func (d *DHT) refreshBucket(s *subsystems, nodes []krpc.NodeInfo) {
	e := s.pool.RandomActive(true)
	if e == nil {
		return
	}
	pr := task.NewPingRefresh(e, nodes)
	pr.SetInfo("Refreshing old entries in bucket")
	s.tasks.Add(pr, false)
	s.tasks.Dequeue()
}
