package dht

import (
	"context"
	"sync/atomic"

	"github.com/cenkalti/dhtnode/internal/task"
)

// Bootstrap starts a lookup for the id of each endpoint. Routers are used as
// seeds while the routing table is small. Calls made while a previous attempt
// is in progress, or before BootstrapMinInterval has passed since the last
// one, are ignored.
func (d *DHT) Bootstrap() {
	s := d.subsys.Load()
	if s == nil {
		return
	}
	now := d.clock.Now()
	d.mBootstrap.Lock()
	if d.bootstrapping || (!d.lastBootstrap.IsZero() && now.Sub(d.lastBootstrap) < d.config.BootstrapMinInterval) {
		d.mBootstrap.Unlock()
		return
	}
	if d.config.NoRouterBootstrap && s.table.Len() <= 1 {
		d.mBootstrap.Unlock()
		return
	}
	d.bootstrapping = true
	d.lastBootstrap = now
	d.mBootstrap.Unlock()

	endpoints := s.pool.All()
	if len(endpoints) == 0 {
		d.log.Debugln("no endpoint to bootstrap with")
		d.setBootstrapping(false)
		return
	}
	d.metrics.Bootstraps.Inc(1)

	useRouters := !d.config.NoRouterBootstrap && s.table.Len() < d.config.UseRoutersIfLessThan
	if useRouters && d.routers.Stale() {
		d.sched.Go(func() { d.routers.Resolve(context.Background()) })
	}
	d.log.Infof("bootstrapping with %d endpoints, table size: %d", len(endpoints), s.table.Len())

	pending := int32(len(endpoints))
	onFinish := func(task.Task) {
		if atomic.AddInt32(&pending, -1) != 0 {
			return
		}
		d.setBootstrapping(false)
		if d.subsys.Load() == s && s.table.Len() < d.config.UseRoutersIfLessThan {
			s.table.FillBuckets()
		}
	}
	for _, e := range endpoints {
		nl := task.NewNodeLookup(e.DerivedID(), e, s.table, d.config.BucketSize, true)
		nl.SetCache(s.cache)
		if useRouters {
			if addr := d.routers.Pick(d.typ.IPv6()); addr != nil {
				nl.AddDHTNode(addr)
			}
			nl.SetInfo("Bootstrap: find peers")
		} else {
			nl.SetInfo("Bootstrap: search for ourself")
		}
		nl.AddListener(onFinish)
		s.tasks.Add(nl, !useRouters)
		s.tasks.Dequeue()
	}
}
