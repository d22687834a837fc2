package dht

import (
	"github.com/rcrowley/go-metrics"
)

type dhtMetrics struct {
	registry metrics.Registry

	RoutingTableEntries metrics.Gauge
	ActiveTasks         metrics.Gauge
	QueuedTasks         metrics.Gauge
	ActiveCalls         metrics.Gauge
	Endpoints           metrics.Gauge
	ActiveEndpoints     metrics.Gauge
	StoredPeers         metrics.Gauge
	Pings               metrics.Counter
	FindNodes           metrics.Counter
	GetPeers            metrics.Counter
	Announces           metrics.Counter
	InvalidTokens       metrics.Counter
	Bootstraps          metrics.Counter
}

func (d *DHT) initMetrics() {
	r := metrics.NewRegistry()
	d.metrics = &dhtMetrics{
		registry: r,

		RoutingTableEntries: metrics.NewRegisteredFunctionalGauge("routing_table_entries", r, d.gauge(func(s *subsystems) int64 { return int64(s.table.Len()) })),
		ActiveTasks:         metrics.NewRegisteredFunctionalGauge("active_tasks", r, d.gauge(func(s *subsystems) int64 { return int64(s.tasks.NumTasks()) })),
		QueuedTasks:         metrics.NewRegisteredFunctionalGauge("queued_tasks", r, d.gauge(func(s *subsystems) int64 { return int64(s.tasks.NumQueued()) })),
		ActiveCalls: metrics.NewRegisteredFunctionalGauge("active_calls", r, d.gauge(func(s *subsystems) int64 {
			var n int
			for _, e := range s.pool.All() {
				n += e.NumActiveCalls()
			}
			return int64(n)
		})),
		Endpoints:       metrics.NewRegisteredFunctionalGauge("endpoints", r, d.gauge(func(s *subsystems) int64 { return int64(s.pool.Count()) })),
		ActiveEndpoints: metrics.NewRegisteredFunctionalGauge("active_endpoints", r, d.gauge(func(s *subsystems) int64 { return int64(s.pool.ActiveCount()) })),
		StoredPeers:     metrics.NewRegisteredFunctionalGauge("stored_peers", r, d.gauge(func(s *subsystems) int64 { return int64(s.store.Stats().NumItems) })),

		Pings:         metrics.NewRegisteredCounter("queries_ping", r),
		FindNodes:     metrics.NewRegisteredCounter("queries_find_node", r),
		GetPeers:      metrics.NewRegisteredCounter("queries_get_peers", r),
		Announces:     metrics.NewRegisteredCounter("queries_announce_peer", r),
		InvalidTokens: metrics.NewRegisteredCounter("invalid_tokens", r),
		Bootstraps:    metrics.NewRegisteredCounter("bootstraps", r),
	}
}

// gauge returns a gauge function that reads from the current run and returns 0 when stopped.
func (d *DHT) gauge(f func(s *subsystems) int64) func() int64 {
	return func() int64 {
		s := d.subsys.Load()
		if s == nil {
			return 0
		}
		return f(s)
	}
}

// Metrics returns current values of gauges and counters by name.
func (d *DHT) Metrics() map[string]int64 {
	m := make(map[string]int64)
	d.metrics.registry.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case metrics.Gauge:
			m[name] = v.Value()
		case metrics.Counter:
			m[name] = v.Count()
		}
	})
	return m
}
