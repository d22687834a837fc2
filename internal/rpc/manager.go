package rpc

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/logger"
)

// ManagerConfig selects the addresses that servers are bound to.
type ManagerConfig struct {
	// One server is bound for each address. Empty means the wildcard address of the family.
	BindAddresses []string
	Port          int
	IPv6          bool
	Server        ServerConfig
}

// ListenFunc opens a packet socket.
type ListenFunc func(network, address string) (net.PacketConn, error)

// Manager keeps one Server per bind address and rebinds failed ones with exponential backoff.
type Manager struct {
	config  ManagerConfig
	root    key.Key
	handler Handler
	clock   clock.Clock
	listen  ListenFunc
	log     logger.Logger

	m        sync.RWMutex
	addrs    []string
	servers  []*Server
	backoff  *backoff.ExponentialBackOff
	nextBind time.Time
	closed   bool
}

// NewManager returns a Manager without any bound server. Servers are bound by Refresh.
// The i'th server uses key.Derive(root, i) as its node id.
func NewManager(cfg ManagerConfig, root key.Key, h Handler, clk clock.Clock) *Manager {
	addrs := cfg.BindAddresses
	if len(addrs) == 0 {
		if cfg.IPv6 {
			addrs = []string{"::"}
		} else {
			addrs = []string{"0.0.0.0"}
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	bo.Clock = clk
	bo.Reset()
	name := "rpc manager ipv4"
	if cfg.IPv6 {
		name = "rpc manager ipv6"
	}
	return &Manager{
		config:  cfg,
		root:    root,
		handler: h,
		clock:   clk,
		listen:  net.ListenPacket,
		log:     logger.New(name),
		addrs:   addrs,
		servers: make([]*Server, len(addrs)),
		backoff: bo,
	}
}

// SetListen replaces the function used to open sockets.
func (m *Manager) SetListen(f ListenFunc) {
	m.listen = f
}

func (m *Manager) network() string {
	if m.config.IPv6 {
		return "udp6"
	}
	return "udp4"
}

// Refresh removes dead servers and binds missing ones unless a previous attempt failed recently.
func (m *Manager) Refresh(now time.Time) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.closed {
		return
	}
	missing := false
	for i, s := range m.servers {
		if s != nil && s.Closed() {
			m.log.Warningln("server stopped:", s.LocalAddr())
			m.servers[i] = nil
		}
		if m.servers[i] == nil {
			missing = true
		}
	}
	if !missing || now.Before(m.nextBind) {
		return
	}
	failed := false
	for i, addr := range m.addrs {
		if m.servers[i] != nil {
			continue
		}
		hostport := net.JoinHostPort(addr, strconv.Itoa(m.config.Port))
		conn, err := m.listen(m.network(), hostport)
		if err != nil {
			m.log.Errorln("cannot bind", hostport, ":", err)
			failed = true
			continue
		}
		s := NewServer(conn, key.Derive(m.root, i), m.handler, m.config.Server, m.clock)
		s.Start()
		m.servers[i] = s
		m.log.Infoln("listening on", conn.LocalAddr(), "with id", s.DerivedID())
	}
	if failed {
		m.nextBind = now.Add(m.backoff.NextBackOff())
	} else {
		m.backoff.Reset()
		m.nextBind = time.Time{}
	}
}

// All returns every bound server.
func (m *Manager) All() []Endpoint {
	m.m.RLock()
	defer m.m.RUnlock()
	ret := make([]Endpoint, 0, len(m.servers))
	for _, s := range m.servers {
		if s != nil {
			ret = append(ret, s)
		}
	}
	return ret
}

// RandomActive returns a random active server. If there is none and fallback is true, any bound server is returned.
// It returns nil when nothing matches.
func (m *Manager) RandomActive(fallback bool) Endpoint {
	m.m.RLock()
	defer m.m.RUnlock()
	var active, bound []*Server
	for _, s := range m.servers {
		if s == nil {
			continue
		}
		bound = append(bound, s)
		if s.Active() {
			active = append(active, s)
		}
	}
	if len(active) > 0 {
		return active[rand.Intn(len(active))]
	}
	if fallback && len(bound) > 0 {
		return bound[rand.Intn(len(bound))]
	}
	return nil
}

func (m *Manager) ActiveCount() int {
	m.m.RLock()
	defer m.m.RUnlock()
	n := 0
	for _, s := range m.servers {
		if s != nil && s.Active() {
			n++
		}
	}
	return n
}

// Count returns the number of bound servers.
func (m *Manager) Count() int {
	m.m.RLock()
	defer m.m.RUnlock()
	n := 0
	for _, s := range m.servers {
		if s != nil {
			n++
		}
	}
	return n
}

// Destroy closes all servers. The Manager cannot be refreshed afterwards.
func (m *Manager) Destroy() {
	m.m.Lock()
	servers := m.servers
	m.servers = make([]*Server, len(m.addrs))
	m.closed = true
	m.m.Unlock()
	for _, s := range servers {
		if s != nil {
			s.Close()
		}
	}
}

func (m *Manager) String() string {
	return fmt.Sprintf("%d/%d active\n", m.ActiveCount(), m.Count())
}
