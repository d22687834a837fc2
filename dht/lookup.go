package dht

import (
	"context"
	"errors"
	"net"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/resolver"
	"github.com/cenkalti/dhtnode/internal/rpc"
	"github.com/cenkalti/dhtnode/internal/task"
)

var (
	// ErrNotRunning is returned from operations that need a running DHT.
	ErrNotRunning = errors.New("dht is not running")
	// ErrNoEndpoint is returned when there is no active endpoint to send queries from.
	ErrNoEndpoint = errors.New("no active endpoint")
)

// findNode queues a node lookup for target on endpoint e.
func (d *DHT) findNode(s *subsystems, target key.Key, bootstrap, highPriority bool, e rpc.Endpoint) *task.NodeLookup {
	if e == nil {
		return nil
	}
	nl := task.NewNodeLookup(target, e, s.table, d.config.BucketSize, bootstrap)
	nl.SetCache(s.cache)
	s.tasks.Add(nl, highPriority)
	s.tasks.Dequeue()
	return nl
}

// FindNode starts a lookup for the nodes closest to target.
func (d *DHT) FindNode(target key.Key) (*task.NodeLookup, error) {
	s := d.subsys.Load()
	if s == nil {
		return nil, ErrNotRunning
	}
	nl := d.findNode(s, target, false, false, s.pool.RandomActive(true))
	if nl == nil {
		return nil, ErrNoEndpoint
	}
	return nl, nil
}

// GetPeers starts a lookup for the peers of infoHash.
func (d *DHT) GetPeers(infoHash key.Key) (*task.PeerLookup, error) {
	s := d.subsys.Load()
	if s == nil {
		return nil, ErrNotRunning
	}
	e := s.pool.RandomActive(false)
	if e == nil {
		return nil, ErrNoEndpoint
	}
	pl := task.NewPeerLookup(infoHash, e, s.table, d.config.BucketSize)
	pl.SetCache(s.cache)
	s.tasks.Add(pl, false)
	s.tasks.Dequeue()
	return pl, nil
}

// Announce sends announce_peer queries to the nodes that returned a token during pl.
// The announce is sent from the same endpoint as the lookup because tokens are bound to the address they are issued to.
// Port 0 makes the receivers use the source port of the query.
func (d *DHT) Announce(pl *task.PeerLookup, seed bool, port int) (*task.Announce, error) {
	s := d.subsys.Load()
	if s == nil {
		return nil, ErrNotRunning
	}
	a := task.NewAnnounce(pl.Endpoint(), pl.InfoHash(), port, seed, pl.AnnounceCandidates())
	s.tasks.Add(a, false)
	s.tasks.Dequeue()
	return a, nil
}

// AddDHTNode pings the node at host:port so that it is added to the routing table when it replies.
// The node is ignored if it is not routable, it belongs to the other family or the table is already populated.
func (d *DHT) AddDHTNode(ctx context.Context, host string, port int) error {
	s := d.subsys.Load()
	if s == nil {
		return ErrNotRunning
	}
	addr, err := resolver.ResolveHost(ctx, net.DefaultResolver.LookupIPAddr, host, port, d.config.ResolveTimeout, d.typ.IPv6(), d.filter)
	if err != nil {
		return err
	}
	if !d.isRoutable(addr) {
		return resolver.ErrBogon
	}
	if s.table.Len() > d.config.BootstrapIfLessThan {
		return nil
	}
	e := s.pool.RandomActive(true)
	if e == nil {
		return ErrNoEndpoint
	}
	e.Ping(addr)
	return nil
}
