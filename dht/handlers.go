package dht

import (
	"net"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/rpc"
)

// Max number of stored peers returned in a get_peers response.
const maxPeersInResponse = 50

// handler receives messages from the endpoints of a DHT.
type handler struct {
	d *DHT
}

var _ rpc.Handler = handler{}

func (h handler) Ping(e rpc.Endpoint, m *krpc.Msg)     { h.d.handlePing(e, m) }
func (h handler) FindNode(e rpc.Endpoint, m *krpc.Msg) { h.d.handleFindNode(e, m) }
func (h handler) GetPeers(e rpc.Endpoint, m *krpc.Msg) { h.d.handleGetPeers(e, m) }
func (h handler) Announce(e rpc.Endpoint, m *krpc.Msg) { h.d.handleAnnounce(e, m) }
func (h handler) Response(e rpc.Endpoint, m *krpc.Msg) { h.d.handleResponse(e, m) }
func (h handler) Error(e rpc.Endpoint, m *krpc.Msg)    { h.d.handleError(e, m) }

func (h handler) Timeout(e rpc.Endpoint, q *krpc.Msg, expected key.Key) {
	h.d.handleTimeout(e, q, expected)
}

// accept returns the subsystems of the current run if the query should be processed.
// Queries are dropped when the DHT is not running or when they are sent by one of our own endpoints.
func (d *DHT) accept(m *krpc.Msg) *subsystems {
	s := d.subsys.Load()
	if s == nil {
		return nil
	}
	id, ok := m.SenderID()
	if !ok {
		return nil
	}
	for _, local := range s.table.LocalIDs() {
		if id == local {
			return nil
		}
	}
	return s
}

func (d *DHT) handlePing(e rpc.Endpoint, m *krpc.Msg) {
	s := d.accept(m)
	if s == nil {
		return
	}
	d.metrics.Pings.Inc(1)
	s.table.Received(m)
	d.send(e, krpc.NewResponse(m, krpc.Return{ID: e.DerivedID().Binary()}))
}

func (d *DHT) handleFindNode(e rpc.Endpoint, m *krpc.Msg) {
	s := d.accept(m)
	if s == nil {
		return
	}
	d.metrics.FindNodes.Inc(1)
	s.table.Received(m)
	target, ok := m.Target()
	if !ok {
		d.sendError(e, m, krpc.ErrorProtocol, "invalid target")
		return
	}
	r := krpc.Return{ID: e.DerivedID().Binary()}
	r.Nodes, r.Nodes6 = d.closestNodes(target, m)
	d.send(e, krpc.NewResponse(m, r))
}

func (d *DHT) handleGetPeers(e rpc.Endpoint, m *krpc.Msg) {
	s := d.accept(m)
	if s == nil {
		return
	}
	d.metrics.GetPeers.Inc(1)
	s.table.Received(m)
	ih, ok := m.Target()
	if !ok {
		d.sendError(e, m, krpc.ErrorProtocol, "invalid info_hash")
		return
	}
	r := krpc.Return{ID: e.DerivedID().Binary()}
	for _, it := range s.store.Sample(ih, maxPeersInResponse, d.typ.IPv6(), m.A.NoSeed == 1) {
		r.Values = append(r.Values, it.Compact())
	}
	if id, ok := m.SenderID(); ok {
		for _, l := range d.indexingListeners.snapshot() {
			for _, addr := range l(ih, m.Addr, id) {
				if d.typ.Matches(addr.IP) {
					r.Values = append(r.Values, krpc.CompactAddr(addr.IP, addr.Port))
				}
			}
		}
	}
	token := s.store.GenToken(m.Addr.IP, m.Addr.Port, ih)
	if s.store.InsertAllowed(ih) {
		r.Token = string(token)
	}
	if m.A.Scrape == 1 {
		if f := s.store.Scrape(ih, false); f != nil {
			r.BFpe = string(f.Bytes())
		}
		if f := s.store.Scrape(ih, true); f != nil {
			r.BFsd = string(f.Bytes())
		}
	}
	r.Nodes, r.Nodes6 = d.closestNodes(ih, m)
	d.send(e, krpc.NewResponse(m, r))
}

func (d *DHT) handleAnnounce(e rpc.Endpoint, m *krpc.Msg) {
	s := d.accept(m)
	if s == nil {
		return
	}
	d.metrics.Announces.Inc(1)
	s.table.Received(m)
	ih, ok := m.Target()
	if !ok || !s.store.CheckToken([]byte(m.A.Token), m.Addr.IP, m.Addr.Port, ih) {
		d.log.Debugln("invalid token in announce from", m.Addr.String())
		d.metrics.InvalidTokens.Inc(1)
		d.sendError(e, m, krpc.ErrorProtocol, "Invalid Token")
		return
	}
	port := m.AnnouncedPort()
	if !d.filter.IsBogon(m.Addr.IP, port) {
		s.store.Store(ih, m.Addr.IP, port, m.A.Seed == 1)
	}
	d.send(e, krpc.NewResponse(m, krpc.Return{ID: e.DerivedID().Binary()}))
}

func (d *DHT) handleResponse(e rpc.Endpoint, m *krpc.Msg) {
	s := d.subsys.Load()
	if s == nil {
		return
	}
	s.table.Received(m)
}

func (d *DHT) handleError(e rpc.Endpoint, m *krpc.Msg) {
	if !d.IsRunning() {
		return
	}
	d.log.Debugf("error from %s: %d %s", m.Addr, m.E.Code, m.E.Message)
}

func (d *DHT) handleTimeout(e rpc.Endpoint, q *krpc.Msg, expected key.Key) {
	s := d.subsys.Load()
	if s == nil {
		return
	}
	s.table.OnTimeout(q.Addr, expected)
}

// closestNodes returns the compact node lists for the families the requester wants.
// Our own address is only included in the list of the other family.
func (d *DHT) closestNodes(target key.Key, m *krpc.Msg) (nodes, nodes6 string) {
	if m.Want4() {
		nodes = d.instance(IPv4).packClosest(target, d.typ != IPv4)
	}
	if m.Want6() {
		nodes6 = d.instance(IPv6).packClosest(target, d.typ != IPv6)
	}
	return
}

func (d *DHT) instance(t Type) *DHT {
	if t == d.typ {
		return d
	}
	return d.other
}

func (d *DHT) packClosest(target key.Key, includeSelf bool) string {
	if d == nil {
		return ""
	}
	s := d.subsys.Load()
	if s == nil {
		return ""
	}
	return krpc.EncodeNodes(s.table.Closest(target, d.config.BucketSize, includeSelf), d.typ.IPv6())
}

func (d *DHT) send(e rpc.Endpoint, m *krpc.Msg) {
	if err := e.Send(m); err != nil {
		d.log.Debugln("cannot send message to", m.Addr.String(), ":", err)
	}
}

func (d *DHT) sendError(e rpc.Endpoint, q *krpc.Msg, code int, msg string) {
	d.send(e, krpc.NewError(q, code, msg))
}

// isRoutable returns true if addr can be used to reach a node of this family.
func (d *DHT) isRoutable(addr *net.UDPAddr) bool {
	return addr != nil && d.typ.Matches(addr.IP) && !d.filter.IsBogon(addr.IP, addr.Port)
}
