package dht

import (
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/peerstore"
	"github.com/cenkalti/dhtnode/internal/routingtable"
	"github.com/cenkalti/dhtnode/internal/rpc"
	"github.com/cenkalti/dhtnode/internal/scheduler"
	"github.com/cenkalti/dhtnode/internal/task"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	name      string
	f         func()
	m         sync.Mutex
	cancelled bool
}

func (h *fakeHandle) Cancel() {
	h.m.Lock()
	h.cancelled = true
	h.m.Unlock()
}

func (h *fakeHandle) Cancelled() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.cancelled
}

// fakeScheduler records periodic callbacks and runs background work synchronously.
type fakeScheduler struct {
	m       sync.Mutex
	handles []*fakeHandle
}

var _ Scheduler = (*fakeScheduler)(nil)

func (s *fakeScheduler) AtFixedRate(name string, initialDelay, period time.Duration, f func()) scheduler.Handle {
	s.m.Lock()
	defer s.m.Unlock()
	h := &fakeHandle{name: name, f: f}
	s.handles = append(s.handles, h)
	return h
}

func (s *fakeScheduler) Go(f func()) { f() }

// fire runs the callbacks of every live timer whose name ends with suffix.
func (s *fakeScheduler) fire(t *testing.T, suffix string) {
	s.m.Lock()
	var fs []func()
	for _, h := range s.handles {
		if !h.Cancelled() && len(h.name) >= len(suffix) && h.name[len(h.name)-len(suffix):] == suffix {
			fs = append(fs, h.f)
		}
	}
	s.m.Unlock()
	require.NotEmpty(t, fs, "no live timer named %q", suffix)
	for _, f := range fs {
		f()
	}
}

func (s *fakeScheduler) counts() (registered, cancelled int) {
	s.m.Lock()
	defer s.m.Unlock()
	for _, h := range s.handles {
		registered++
		if h.Cancelled() {
			cancelled++
		}
	}
	return
}

type fakeTable struct {
	root  key.Key
	owner routingtable.Owner

	m            sync.Mutex
	entries      []krpc.NodeInfo
	received     []*krpc.Msg
	timeouts     []*net.UDPAddr
	includeSelf  []bool
	checks       int
	fills        int
	saves        []string
	survival     bool
	onLoad       func()
	receivedHook func()
}

func newFakeTable(owner routingtable.Owner) *fakeTable {
	return &fakeTable{root: key.Random(), owner: owner}
}

func (t *fakeTable) RootID() key.Key { return t.root }

func (t *fakeTable) LocalIDs() []key.Key {
	return append([]key.Key{t.root}, t.owner.LocalIDs()...)
}

func (t *fakeTable) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.entries)
}

func (t *fakeTable) InSurvivalMode() bool {
	t.m.Lock()
	defer t.m.Unlock()
	return t.survival
}

func (t *fakeTable) Received(m *krpc.Msg) {
	t.m.Lock()
	t.received = append(t.received, m)
	t.m.Unlock()
}

func (t *fakeTable) numReceived() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.received)
}

func (t *fakeTable) OnTimeout(addr *net.UDPAddr, id key.Key) {
	t.m.Lock()
	t.timeouts = append(t.timeouts, addr)
	t.m.Unlock()
}

func (t *fakeTable) Closest(target key.Key, n int, includeSelf bool) []krpc.NodeInfo {
	t.m.Lock()
	t.includeSelf = append(t.includeSelf, includeSelf)
	nodes := append([]krpc.NodeInfo(nil), t.entries...)
	t.m.Unlock()
	if includeSelf {
		nodes = append(nodes, t.owner.LocalNodes()...)
	}
	sort.Slice(nodes, func(i, j int) bool { return target.Closer(nodes[i].ID, nodes[j].ID) })
	if len(nodes) > n {
		nodes = nodes[:n]
	}
	return nodes
}

func (t *fakeTable) CheckBuckets(now time.Time) {
	t.m.Lock()
	t.checks++
	t.m.Unlock()
}

func (t *fakeTable) FillBuckets() {
	t.m.Lock()
	t.fills++
	t.m.Unlock()
}

func (t *fakeTable) Load(onComplete func()) {
	t.m.Lock()
	t.onLoad = onComplete
	t.m.Unlock()
}

// load completes a pending Load call.
func (t *fakeTable) load() {
	t.m.Lock()
	f := t.onLoad
	t.onLoad = nil
	t.m.Unlock()
	f()
}

func (t *fakeTable) Save(path string) error {
	t.m.Lock()
	t.saves = append(t.saves, path)
	t.m.Unlock()
	return nil
}

func (t *fakeTable) String() string { return "fake table" }

func (t *fakeTable) addEntries(n int, ipv6 bool) {
	t.m.Lock()
	defer t.m.Unlock()
	for i := 0; i < n; i++ {
		t.entries = append(t.entries, krpc.NodeInfo{ID: key.Random(), Addr: publicAddr(ipv6, 100+i)})
	}
}

func publicAddr(ipv6 bool, n int) *net.UDPAddr {
	if ipv6 {
		return &net.UDPAddr{IP: net.ParseIP("2a00:1450::").To16(), Port: 10000 + n}
	}
	return &net.UDPAddr{IP: net.IPv4(8, 8, byte(n>>8), byte(n)).To4(), Port: 10000 + n}
}

type fakeEndpoint struct {
	id     key.Key
	ipv6   bool
	public *net.UDPAddr
	table  *fakeTable

	m           sync.Mutex
	sent        []*krpc.Msg
	sentAfter   []int
	queries     []*krpc.Msg
	pings       []*net.UDPAddr
	activeCalls int
}

var _ rpc.Endpoint = (*fakeEndpoint)(nil)

func (e *fakeEndpoint) Send(m *krpc.Msg) error {
	e.m.Lock()
	defer e.m.Unlock()
	e.sent = append(e.sent, m)
	if e.table != nil {
		e.sentAfter = append(e.sentAfter, e.table.numReceived())
	}
	return nil
}

func (e *fakeEndpoint) Query(q *krpc.Msg, expected key.Key, cb rpc.ResponseFunc) error {
	e.m.Lock()
	defer e.m.Unlock()
	e.queries = append(e.queries, q)
	return nil
}

func (e *fakeEndpoint) Ping(addr *net.UDPAddr) {
	e.m.Lock()
	e.pings = append(e.pings, addr)
	e.m.Unlock()
}

func (e *fakeEndpoint) DerivedID() key.Key       { return e.id }
func (e *fakeEndpoint) IPv6() bool               { return e.ipv6 }
func (e *fakeEndpoint) PublicAddr() *net.UDPAddr { return e.public }
func (e *fakeEndpoint) Active() bool             { return true }
func (e *fakeEndpoint) Stats() rpc.Stats         { return rpc.Stats{Sent: int64(e.numSent())} }
func (e *fakeEndpoint) String() string           { return "fake endpoint" }

func (e *fakeEndpoint) NumActiveCalls() int {
	e.m.Lock()
	defer e.m.Unlock()
	return e.activeCalls
}

func (e *fakeEndpoint) lastSent() *krpc.Msg {
	e.m.Lock()
	defer e.m.Unlock()
	if len(e.sent) == 0 {
		return nil
	}
	return e.sent[len(e.sent)-1]
}

func (e *fakeEndpoint) numSent() int {
	e.m.Lock()
	defer e.m.Unlock()
	return len(e.sent)
}

type fakePool struct {
	m         sync.Mutex
	endpoints []*fakeEndpoint
	active    int
	refreshes int
	destroyed bool
}

func (p *fakePool) Refresh(now time.Time) {
	p.m.Lock()
	p.refreshes++
	p.m.Unlock()
}

func (p *fakePool) All() []rpc.Endpoint {
	p.m.Lock()
	defer p.m.Unlock()
	l := make([]rpc.Endpoint, len(p.endpoints))
	for i, e := range p.endpoints {
		l[i] = e
	}
	return l
}

func (p *fakePool) RandomActive(fallback bool) rpc.Endpoint {
	p.m.Lock()
	defer p.m.Unlock()
	if len(p.endpoints) == 0 {
		return nil
	}
	return p.endpoints[0]
}

func (p *fakePool) ActiveCount() int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.active
}

func (p *fakePool) Count() int {
	p.m.Lock()
	defer p.m.Unlock()
	return len(p.endpoints)
}

func (p *fakePool) Destroy() {
	p.m.Lock()
	p.destroyed = true
	p.endpoints = nil
	p.active = 0
	p.m.Unlock()
}

func (p *fakePool) String() string { return "fake pool" }

// fakeTasks only reports a fixed number of tasks.
type fakeTasks struct {
	n int
}

func (t *fakeTasks) Add(task.Task, bool) {}
func (t *fakeTasks) Dequeue()            {}
func (t *fakeTasks) Active() []task.Task { return nil }
func (t *fakeTasks) NumTasks() int       { return t.n }
func (t *fakeTasks) NumQueued() int      { return 0 }
func (t *fakeTasks) String() string      { return "fake tasks" }

type testEnv struct {
	registry *Registry
	sched    *fakeScheduler
	clock    *clock.Mock

	m         sync.Mutex
	tables    map[Type]*fakeTable
	pools     map[Type]*fakePool
	endpoints map[Type]*fakeEndpoint
}

func newTestEnv(t *testing.T, modify func(*Config)) *testEnv {
	cfg := DefaultConfig
	cfg.RoutingTablePath = ""
	cfg.RPCEnabled = false
	cfg.Routers = []string{"1.2.3.4:6881", "[2a00:1450::1]:6881"}
	if modify != nil {
		modify(&cfg)
	}
	env := &testEnv{
		sched:     &fakeScheduler{},
		clock:     clock.NewMock(),
		tables:    make(map[Type]*fakeTable),
		pools:     make(map[Type]*fakePool),
		endpoints: make(map[Type]*fakeEndpoint),
	}
	env.clock.Add(time.Hour)
	f := factory{
		newTable: func(cfg routingtable.Config, typ Type, path string, owner routingtable.Owner, clk clock.Clock) routingTable {
			tb := newFakeTable(owner)
			env.m.Lock()
			env.tables[typ] = tb
			env.m.Unlock()
			return tb
		},
		newPool: func(cfg *Config, typ Type, root key.Key, h rpc.Handler, clk clock.Clock) endpointPool {
			env.m.Lock()
			defer env.m.Unlock()
			e := &fakeEndpoint{
				id:     key.Derive(root, 0),
				ipv6:   typ.IPv6(),
				public: publicAddr(typ.IPv6(), 1),
				table:  env.tables[typ],
			}
			env.endpoints[typ] = e
			p := &fakePool{endpoints: []*fakeEndpoint{e}, active: 1}
			env.pools[typ] = p
			return p
		},
		newTasks: func(admit func(task.Task) bool) taskManager {
			return task.NewManager(admit)
		},
		newStore: func(cfg *Config, clk clock.Clock) peerStore {
			return peerstore.New(cfg.storeConfig(), clk)
		},
	}
	env.registry = newRegistry(cfg, env.sched, env.clock, f)
	return env
}

func (env *testEnv) dht(typ Type) *DHT { return env.registry.Get(typ) }

func (env *testEnv) table(typ Type) *fakeTable {
	env.m.Lock()
	defer env.m.Unlock()
	return env.tables[typ]
}

func (env *testEnv) endpoint(typ Type) *fakeEndpoint {
	env.m.Lock()
	defer env.m.Unlock()
	return env.endpoints[typ]
}

func store(d *DHT) *peerstore.Store {
	return d.subsys.Load().store.(*peerstore.Store)
}

// start starts the instance and completes loading of its routing table.
func (env *testEnv) start(t *testing.T, typ Type) *DHT {
	d := env.dht(typ)
	require.NoError(t, d.Start())
	env.table(typ).load()
	return d
}
