package dht

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/peerstore"
	"github.com/cenkalti/dhtnode/internal/routingtable"
	"github.com/cenkalti/dhtnode/internal/rpc"
	"github.com/cenkalti/dhtnode/internal/scheduler"
	"github.com/cenkalti/dhtnode/internal/task"
)

// Scheduler runs periodic callbacks and background work on a shared pool of goroutines.
type Scheduler interface {
	AtFixedRate(name string, initialDelay, period time.Duration, f func()) scheduler.Handle
	Go(f func())
}

type routingTable interface {
	RootID() key.Key
	LocalIDs() []key.Key
	Len() int
	InSurvivalMode() bool
	Received(m *krpc.Msg)
	OnTimeout(addr *net.UDPAddr, id key.Key)
	Closest(target key.Key, n int, includeSelf bool) []krpc.NodeInfo
	CheckBuckets(now time.Time)
	FillBuckets()
	Load(onComplete func())
	Save(path string) error
	String() string
}

type endpointPool interface {
	Refresh(now time.Time)
	All() []rpc.Endpoint
	RandomActive(fallback bool) rpc.Endpoint
	ActiveCount() int
	Count() int
	Destroy()
	String() string
}

type taskManager interface {
	Add(t task.Task, highPriority bool)
	Dequeue()
	Active() []task.Task
	NumTasks() int
	NumQueued() int
	String() string
}

type peerStore interface {
	Sample(ih key.Key, max int, ipv6, noSeeds bool) []peerstore.Item
	GenToken(ip net.IP, port int, ih key.Key) []byte
	CheckToken(token []byte, ip net.IP, port int, ih key.Key) bool
	Store(ih key.Key, ip net.IP, port int, seed bool) bool
	InsertAllowed(ih key.Key) bool
	Scrape(ih key.Key, seeds bool) *peerstore.ScrapeFilter
	Expire(now time.Time) int
	Stats() peerstore.Stats
	String() string
}

// factory builds the subsystems of a DHT run. Tests replace it with fakes.
type factory struct {
	newTable func(cfg routingtable.Config, t Type, path string, owner routingtable.Owner, clk clock.Clock) routingTable
	newPool  func(cfg *Config, t Type, root key.Key, h rpc.Handler, clk clock.Clock) endpointPool
	newTasks func(admit func(task.Task) bool) taskManager
	newStore func(cfg *Config, clk clock.Clock) peerStore
}

var defaultFactory = factory{
	newTable: func(cfg routingtable.Config, t Type, path string, owner routingtable.Owner, clk clock.Clock) routingTable {
		return routingtable.New(cfg, path, t.IPv6(), owner, clk)
	},
	newPool: func(cfg *Config, t Type, root key.Key, h rpc.Handler, clk clock.Clock) endpointPool {
		return rpc.NewManager(cfg.managerConfig(t), root, h, clk)
	},
	newTasks: func(admit func(task.Task) bool) taskManager {
		return task.NewManager(admit)
	},
	newStore: func(cfg *Config, clk clock.Clock) peerStore {
		return peerstore.New(cfg.storeConfig(), clk)
	},
}
