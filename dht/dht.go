// Package dht implements a mainline DHT node supervisor. A DHT runs one
// address family: it answers queries, bootstraps the routing table, runs
// periodic maintenance and limits the amount of background work.
package dht

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/addrfilter"
	"github.com/cenkalti/dhtnode/internal/announcecache"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/logger"
	"github.com/cenkalti/dhtnode/internal/resolver"
	"github.com/cenkalti/dhtnode/internal/scheduler"
)

// DHT is the supervisor of a single address family.
// Instances are created by Registry.
type DHT struct {
	typ     Type
	config  Config
	clock   clock.Clock
	sched   Scheduler
	routers *resolver.Routers
	filter  *addrfilter.Filter
	factory factory
	other   *DHT
	log     logger.Logger
	metrics *dhtMetrics

	// Serializes Start and Stop.
	mLifecycle sync.Mutex
	// Subsystems of the current run. Nil when stopped.
	subsys atomic.Pointer[subsystems]

	mBootstrap    sync.Mutex
	bootstrapping bool
	lastBootstrap time.Time

	mStatus       sync.Mutex
	status        Status
	pendingStatus []statusChange
	notifying     bool

	mStats sync.RWMutex
	stats  Stats

	statsListeners    listenerList[StatsListener]
	statusListeners   listenerList[StatusListener]
	indexingListeners listenerList[IndexingListener]
}

// subsystems are created on Start and discarded on Stop.
type subsystems struct {
	table     routingTable
	pool      endpointPool
	tasks     taskManager
	store     peerStore
	cache     *announcecache.Cache
	tablePath string
	startedAt time.Time

	mTimers       sync.Mutex
	timers        []scheduler.Handle
	timersStopped bool
}

func newDHT(t Type, cfg Config, sched Scheduler, clk clock.Clock, routers *resolver.Routers, filter *addrfilter.Filter, f factory) *DHT {
	d := &DHT{
		typ:     t,
		config:  cfg,
		clock:   clk,
		sched:   sched,
		routers: routers,
		filter:  filter,
		factory: f,
		log:     logger.New("dht " + t.String()),
	}
	d.initMetrics()
	return d
}

// Type returns the address family of the DHT.
func (d *DHT) Type() Type {
	return d.typ
}

// IsRunning returns true between Start and Stop.
func (d *DHT) IsRunning() bool {
	return d.subsys.Load() != nil
}

// IsBootstrapping returns true while a bootstrap attempt is in progress.
func (d *DHT) IsBootstrapping() bool {
	d.mBootstrap.Lock()
	defer d.mBootstrap.Unlock()
	return d.bootstrapping
}

func (d *DHT) setBootstrapping(value bool) {
	d.mBootstrap.Lock()
	d.bootstrapping = value
	d.mBootstrap.Unlock()
}

// OurID returns the root id of the routing table. Zero key is returned if the DHT is not running.
func (d *DHT) OurID() key.Key {
	s := d.subsys.Load()
	if s == nil {
		return key.Zero
	}
	return s.table.RootID()
}

// tableOwner binds the routing table callbacks to a single run.
type tableOwner struct {
	d *DHT
	s *subsystems
}

func (o *tableOwner) LocalIDs() []key.Key {
	if o.s.pool == nil {
		return nil
	}
	endpoints := o.s.pool.All()
	ids := make([]key.Key, 0, len(endpoints))
	for _, e := range endpoints {
		ids = append(ids, e.DerivedID())
	}
	return ids
}

func (o *tableOwner) LocalNodes() []krpc.NodeInfo {
	if o.s.pool == nil {
		return nil
	}
	var nodes []krpc.NodeInfo
	for _, e := range o.s.pool.All() {
		addr := e.PublicAddr()
		if addr == nil || !o.d.typ.Matches(addr.IP) {
			continue
		}
		nodes = append(nodes, krpc.NodeInfo{ID: e.DerivedID(), Addr: addr})
	}
	return nodes
}

func (o *tableOwner) RefreshBucket(nodes []krpc.NodeInfo) {
	if o.d.subsys.Load() != o.s {
		return
	}
	o.d.refreshBucket(o.s, nodes)
}

func (o *tableOwner) FillBucket(target key.Key) {
	if o.d.subsys.Load() != o.s {
		return
	}
	o.d.findNode(o.s, target, false, true, o.s.pool.RandomActive(true))
}

// StatsListener is called with a new snapshot on every stats update.
type StatsListener func(Stats)

// StatusListener is called when the status of the DHT changes.
type StatusListener func(newStatus, oldStatus Status)

// IndexingListener is asked for additional peers when a get_peers query is received for infoHash.
type IndexingListener func(infoHash key.Key, from *net.UDPAddr, nodeID key.Key) []*net.UDPAddr

// AddStatsListener registers f and returns a function that removes it.
func (d *DHT) AddStatsListener(f StatsListener) (remove func()) {
	return d.statsListeners.add(f)
}

// AddStatusListener registers f and returns a function that removes it.
func (d *DHT) AddStatusListener(f StatusListener) (remove func()) {
	return d.statusListeners.add(f)
}

// AddIndexingListener registers f and returns a function that removes it.
func (d *DHT) AddIndexingListener(f IndexingListener) (remove func()) {
	return d.indexingListeners.add(f)
}

// listenerList keeps callbacks in registration order.
type listenerList[T any] struct {
	m      sync.Mutex
	nextID int
	items  []listenerItem[T]
}

type listenerItem[T any] struct {
	id int
	f  T
}

func (l *listenerList[T]) add(f T) func() {
	l.m.Lock()
	defer l.m.Unlock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listenerItem[T]{id: id, f: f})
	return func() { l.remove(id) }
}

func (l *listenerList[T]) remove(id int) {
	l.m.Lock()
	defer l.m.Unlock()
	for i, it := range l.items {
		if it.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *listenerList[T]) snapshot() []T {
	l.m.Lock()
	defer l.m.Unlock()
	fs := make([]T, len(l.items))
	for i, it := range l.items {
		fs[i] = it.f
	}
	return fs
}
