package task

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/rpc"
)

// Number of queries a lookup keeps in flight.
const alpha = 3

// Table provides the starting contacts of a lookup.
type Table interface {
	Closest(target key.Key, n int, includeSelf bool) []krpc.NodeInfo
}

// NodeCache remembers lookup results for later lookups.
type NodeCache interface {
	Get(target key.Key) []krpc.NodeInfo
	Register(target key.Key, nodes []krpc.NodeInfo)
}

// Candidate is a node that replied to a lookup, with the write token it gave us.
type Candidate struct {
	krpc.NodeInfo
	Token string
}

type lookup struct {
	base
	target key.Key
	method krpc.Method
	table  Table
	cache  NodeCache
	k      int

	lm        sync.Mutex
	seeds     []*net.UDPAddr
	todo      []krpc.NodeInfo
	seen      map[string]struct{}
	responded []Candidate
	inFlight  int
	started   bool

	// called with lm held for every matching response
	onResponse func(c *Candidate, resp *krpc.Msg)
}

func (l *lookup) init(self Task, target key.Key, method krpc.Method, e rpc.Endpoint, table Table, k int) {
	l.base.init(self, e)
	l.target = target
	l.method = method
	l.table = table
	l.k = k
	l.seen = make(map[string]struct{})
}

// Target is the key being looked up.
func (l *lookup) Target() key.Key {
	return l.target
}

// SetCache makes the lookup start from cached results and register its own result.
func (l *lookup) SetCache(c NodeCache) {
	l.cache = c
}

// AddDHTNode adds a contact with unknown id to query first.
func (l *lookup) AddDHTNode(addr *net.UDPAddr) {
	l.lm.Lock()
	defer l.lm.Unlock()
	l.seeds = append(l.seeds, addr)
	if l.started {
		l.push(krpc.NodeInfo{Addr: addr})
	}
}

// Seeds returns the addresses added with AddDHTNode.
func (l *lookup) Seeds() []*net.UDPAddr {
	l.lm.Lock()
	defer l.lm.Unlock()
	ret := make([]*net.UDPAddr, len(l.seeds))
	copy(ret, l.seeds)
	return ret
}

// Closest returns the nodes that replied, closest first.
func (l *lookup) Closest() []Candidate {
	l.lm.Lock()
	defer l.lm.Unlock()
	ret := make([]Candidate, len(l.responded))
	copy(ret, l.responded)
	return ret
}

// less orders contacts with unknown id first, then by distance to the target.
func (l *lookup) less(a, b key.Key) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && !b.IsZero()
	}
	return l.target.Closer(a, b)
}

// push must be called with lm held.
func (l *lookup) push(n krpc.NodeInfo) {
	if n.Addr == nil {
		return
	}
	a := n.Addr.String()
	if _, ok := l.seen[a]; ok {
		return
	}
	l.seen[a] = struct{}{}
	i := sort.Search(len(l.todo), func(i int) bool { return l.less(n.ID, l.todo[i].ID) })
	l.todo = append(l.todo, krpc.NodeInfo{})
	copy(l.todo[i+1:], l.todo[i:])
	l.todo[i] = n
}

func (l *lookup) Start() {
	var initial []krpc.NodeInfo
	if l.cache != nil {
		initial = append(initial, l.cache.Get(l.target)...)
	}
	initial = append(initial, l.table.Closest(l.target, l.k, false)...)

	l.lm.Lock()
	l.started = true
	for _, a := range l.seeds {
		l.push(krpc.NodeInfo{Addr: a})
	}
	for _, n := range initial {
		l.push(n)
	}
	l.lm.Unlock()
	l.update()
}

func (l *lookup) update() {
	if l.Finished() {
		return
	}
	l.lm.Lock()
	var send []krpc.NodeInfo
	for l.inFlight+len(send) < alpha && len(l.todo) > 0 {
		n := l.todo[0]
		if !n.ID.IsZero() && len(l.responded) >= l.k && !l.target.Closer(n.ID, l.responded[l.k-1].ID) {
			// nothing closer than what we already have
			l.todo = nil
			break
		}
		l.todo = l.todo[1:]
		send = append(send, n)
	}
	l.inFlight += len(send)
	done := l.inFlight == 0 && len(l.todo) == 0
	l.lm.Unlock()

	for _, n := range send {
		l.query(n)
	}
	if done {
		l.done()
	}
}

func (l *lookup) query(n krpc.NodeInfo) {
	args := krpc.Args{}
	if l.method == krpc.GetPeers {
		args.InfoHash = l.target.Binary()
	} else {
		args.Target = l.target.Binary()
	}
	q := krpc.NewQuery(l.method, args, n.Addr)
	err := l.endpoint.Query(q, n.ID, func(resp *krpc.Msg, err error) { l.handle(n, resp) })
	if err != nil {
		l.handle(n, nil)
	}
}

func (l *lookup) handle(n krpc.NodeInfo, resp *krpc.Msg) {
	l.lm.Lock()
	l.inFlight--
	if resp != nil {
		l.handleResponse(n, resp)
	}
	l.lm.Unlock()
	l.update()
}

// handleResponse must be called with lm held.
func (l *lookup) handleResponse(n krpc.NodeInfo, resp *krpc.Msg) {
	id, ok := resp.SenderID()
	if !ok || (!n.ID.IsZero() && id != n.ID) {
		return
	}
	c := Candidate{NodeInfo: krpc.NodeInfo{ID: id, Addr: n.Addr}}
	if l.onResponse != nil {
		l.onResponse(&c, resp)
	}
	i := sort.Search(len(l.responded), func(i int) bool { return l.target.Closer(id, l.responded[i].ID) })
	if i < l.k {
		l.responded = append(l.responded, Candidate{})
		copy(l.responded[i+1:], l.responded[i:])
		l.responded[i] = c
		if len(l.responded) > l.k {
			l.responded = l.responded[:l.k]
		}
	}
	nodes := resp.R.Nodes
	if l.endpoint.IPv6() {
		nodes = resp.R.Nodes6
	}
	for _, found := range krpc.DecodeNodes(nodes, l.endpoint.IPv6()) {
		l.push(found)
	}
}

func (l *lookup) done() {
	if l.cache != nil {
		closest := l.Closest()
		nodes := make([]krpc.NodeInfo, len(closest))
		for i, c := range closest {
			nodes[i] = c.NodeInfo
		}
		l.cache.Register(l.target, nodes)
	}
	l.finish()
}

// NodeLookup finds the nodes closest to a key with find_node queries.
type NodeLookup struct {
	lookup
	bootstrap bool
}

// NewNodeLookup returns a lookup for target. It does nothing until started by the Manager.
func NewNodeLookup(target key.Key, e rpc.Endpoint, table Table, k int, bootstrap bool) *NodeLookup {
	nl := &NodeLookup{bootstrap: bootstrap}
	nl.init(nl, target, krpc.FindNode, e, table, k)
	return nl
}

// IsBootstrap returns true for lookups started to join the network.
func (nl *NodeLookup) IsBootstrap() bool {
	return nl.bootstrap
}

func (nl *NodeLookup) String() string {
	return nl.describe(fmt.Sprintf("node lookup %s", nl.target))
}

// PeerLookup finds peers for an info hash with get_peers queries and collects write tokens.
type PeerLookup struct {
	lookup

	peers map[string]*net.UDPAddr
	order []*net.UDPAddr
}

// NewPeerLookup returns a lookup for infoHash. It does nothing until started by the Manager.
func NewPeerLookup(infoHash key.Key, e rpc.Endpoint, table Table, k int) *PeerLookup {
	pl := &PeerLookup{peers: make(map[string]*net.UDPAddr)}
	pl.init(pl, infoHash, krpc.GetPeers, e, table, k)
	pl.onResponse = pl.collect
	return pl
}

func (pl *PeerLookup) collect(c *Candidate, resp *krpc.Msg) {
	c.Token = resp.R.Token
	for _, v := range resp.R.Values {
		ip, port, ok := krpc.ParseCompactAddr(v)
		if !ok || port == 0 {
			continue
		}
		if _, ok := pl.peers[v]; ok {
			continue
		}
		a := &net.UDPAddr{IP: ip, Port: port}
		pl.peers[v] = a
		pl.order = append(pl.order, a)
	}
}

// InfoHash is the key being looked up.
func (pl *PeerLookup) InfoHash() key.Key {
	return pl.target
}

// Peers returns the peers found so far in the order they were received.
func (pl *PeerLookup) Peers() []*net.UDPAddr {
	pl.lm.Lock()
	defer pl.lm.Unlock()
	ret := make([]*net.UDPAddr, len(pl.order))
	copy(ret, pl.order)
	return ret
}

// AnnounceCandidates returns the closest responders that gave a write token.
func (pl *PeerLookup) AnnounceCandidates() []Candidate {
	var ret []Candidate
	for _, c := range pl.Closest() {
		if c.Token != "" {
			ret = append(ret, c)
		}
	}
	return ret
}

func (pl *PeerLookup) String() string {
	return pl.describe(fmt.Sprintf("peer lookup %s peers: %d", pl.target, len(pl.Peers())))
}
