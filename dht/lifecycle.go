package dht

import (
	"context"

	"github.com/cenkalti/dhtnode/internal/announcecache"
	"github.com/cenkalti/dhtnode/internal/task"
)

// Start creates the subsystems and starts answering queries. The routing
// table is loaded in background. Bootstrap and maintenance begin after the
// load is complete. Calling Start on a running DHT has no effect.
func (d *DHT) Start() error {
	defer d.notifyStatus()
	d.mLifecycle.Lock()
	defer d.mLifecycle.Unlock()
	if d.subsys.Load() != nil {
		return nil
	}
	path, err := d.config.tablePath(d.typ)
	if err != nil {
		return err
	}
	d.queueStatus(Initializing)
	d.log.Infof("starting DHT on port %d", d.config.port())

	if !d.config.NoRouterBootstrap && d.routers.Stale() {
		d.routers.Resolve(context.Background())
	}

	now := d.clock.Now()
	s := &subsystems{
		tablePath: path,
		startedAt: now,
		cache:     announcecache.New(d.config.AnnounceCacheSize, d.config.AnnounceCacheMaxAge, d.clock),
	}
	s.table = d.factory.newTable(d.config.tableConfig(d.filter), d.typ, path, &tableOwner{d: d, s: s}, d.clock)
	s.pool = d.factory.newPool(&d.config, d.typ, s.table.RootID(), handler{d: d}, d.clock)
	s.tasks = d.factory.newTasks(func(t task.Task) bool { return d.canStartTask(s, t) })
	s.store = d.factory.newStore(&d.config, d.clock)
	d.resetStats(now)
	d.subsys.Store(s)

	d.schedule(s, "pre-bootstrap", d.config.PreBootstrapDelay, d.config.UpdateInterval, func() { d.preBootstrapTick(s) })
	s.pool.Refresh(now)

	// No bootstrap until the table is loaded.
	d.setBootstrapping(true)
	s.table.Load(func() {
		d.sched.Go(func() { d.started(s) })
	})
	return nil
}

// started is called after the routing table is loaded.
func (d *DHT) started(s *subsystems) {
	d.mLifecycle.Lock()
	defer d.mLifecycle.Unlock()
	if d.subsys.Load() != s {
		return
	}
	d.log.Infof("routing table loaded, %d entries", s.table.Len())
	d.setBootstrapping(false)
	d.Bootstrap()
	d.schedule(s, "update", d.config.PreBootstrapDelay, d.config.UpdateInterval, func() { d.updateTick(s) })
	d.schedule(s, "expiry", d.config.ExpiryDelay, d.config.ExpiryInterval, func() { d.expiryTick(s) })
	d.schedule(s, "random refresh", d.config.RandomLookupInterval, d.config.RandomLookupInterval, func() { d.randomRefreshTick(s) })
}

// Stop kills running tasks, cancels timers, closes endpoints and saves the
// routing table. Calling Stop on a stopped DHT has no effect.
func (d *DHT) Stop() {
	defer d.notifyStatus()
	d.mLifecycle.Lock()
	defer d.mLifecycle.Unlock()
	s := d.subsys.Load()
	if s == nil {
		return
	}
	d.log.Infoln("stopping DHT")
	d.subsys.Store(nil)
	for _, t := range s.tasks.Active() {
		t.Kill()
	}
	d.cancelTimers(s)
	s.pool.Destroy()
	if s.tablePath != "" {
		if err := s.table.Save(s.tablePath); err != nil {
			d.log.Errorln("cannot save routing table:", err)
		}
	}
	d.queueStatus(Stopped)
	d.log.Infoln("DHT stopped")
}
