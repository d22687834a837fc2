package task

import (
	"fmt"
	"sync"

	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/rpc"
)

// PingRefresh pings contacts of a stale bucket. Replies and timeouts reach the
// routing table through the endpoint's handler.
type PingRefresh struct {
	base
	nodes []krpc.NodeInfo

	pm       sync.Mutex
	inFlight int
	alive    int
}

func NewPingRefresh(e rpc.Endpoint, nodes []krpc.NodeInfo) *PingRefresh {
	p := &PingRefresh{nodes: nodes}
	p.init(p, e)
	return p
}

func (p *PingRefresh) Start() {
	p.pm.Lock()
	p.inFlight = len(p.nodes)
	p.pm.Unlock()
	if len(p.nodes) == 0 {
		p.finish()
		return
	}
	for _, n := range p.nodes {
		q := krpc.NewQuery(krpc.Ping, krpc.Args{}, n.Addr)
		if err := p.endpoint.Query(q, n.ID, p.handle); err != nil {
			p.handle(nil, err)
		}
	}
}

func (p *PingRefresh) handle(resp *krpc.Msg, err error) {
	p.pm.Lock()
	p.inFlight--
	if resp != nil {
		p.alive++
	}
	done := p.inFlight == 0
	p.pm.Unlock()
	if done {
		p.finish()
	}
}

func (p *PingRefresh) String() string {
	p.pm.Lock()
	alive := p.alive
	p.pm.Unlock()
	return p.describe(fmt.Sprintf("ping refresh %d nodes, %d alive", len(p.nodes), alive))
}
