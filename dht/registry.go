package dht

import (
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/addrfilter"
	"github.com/cenkalti/dhtnode/internal/logger"
	"github.com/cenkalti/dhtnode/internal/resolver"
	"github.com/cenkalti/dhtnode/internal/scheduler"
)

// Registry holds one DHT for each address family. The instances know each other
// so that replies can contain nodes of both families.
type Registry struct {
	config    Config
	dhts      map[Type]*DHT
	scheduler *scheduler.Scheduler
	filter    *addrfilter.Filter
	rpc       *rpcServer
	log       logger.Logger
}

// NewRegistry creates both instances in stopped state.
func NewRegistry(cfg Config) *Registry {
	clk := clock.New()
	sched := scheduler.New(clk, cfg.Workers)
	r := newRegistry(cfg, sched, clk, defaultFactory)
	r.scheduler = sched
	return r
}

func newRegistry(cfg Config, sched Scheduler, clk clock.Clock, f factory) *Registry {
	routers := resolver.NewRouters(cfg.Routers, cfg.ResolveTimeout, cfg.RouterRefreshInterval, clk)
	r := &Registry{
		config: cfg,
		dhts:   make(map[Type]*DHT, len(Types)),
		log:    logger.New("dht registry"),
	}
	r.filter = addrfilter.NewLogger(r.log.Warningf)
	for _, t := range Types {
		r.dhts[t] = newDHT(t, cfg, sched, clk, routers, r.filter, f)
	}
	r.dhts[IPv4].other = r.dhts[IPv6]
	r.dhts[IPv6].other = r.dhts[IPv4]
	return r
}

// Get returns the instance of family t.
func (r *Registry) Get(t Type) *DHT {
	return r.dhts[t]
}

// Start loads the blocklist and starts the enabled instances and the control API.
// A blocklist that cannot be loaded is logged and the previous rules are kept.
func (r *Registry) Start() error {
	if err := r.ReloadBlocklist(); err != nil {
		r.log.Errorln("cannot load blocklist:", err)
	}
	for _, t := range Types {
		if t == IPv6 && r.config.DisableIPv6 {
			continue
		}
		if err := r.dhts[t].Start(); err != nil {
			r.Stop()
			return err
		}
	}
	if r.config.RPCEnabled && r.rpc == nil {
		r.rpc = newRPCServer(r)
		if err := r.rpc.Start(r.config.RPCHost, r.config.RPCPort); err != nil {
			r.rpc = nil
			r.Stop()
			return err
		}
	}
	return nil
}

// ReloadBlocklist reads the blocklist file again. Both instances share the rules.
func (r *Registry) ReloadBlocklist() error {
	n, err := r.config.loadBlocklist(r.filter)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Infof("loaded %d blocklist rules", n)
	}
	return nil
}

// Stop stops the control API and both instances.
func (r *Registry) Stop() {
	if r.rpc != nil {
		if err := r.rpc.Stop(r.config.RPCShutdownTimeout); err != nil {
			r.log.Errorln("cannot stop rpc server:", err)
		}
		r.rpc = nil
	}
	for _, t := range Types {
		r.dhts[t].Stop()
	}
}

// Close stops everything and releases the worker pool. Registry cannot be started again after Close.
func (r *Registry) Close() {
	r.Stop()
	if r.scheduler != nil {
		r.scheduler.Close()
	}
}
