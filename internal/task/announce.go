package task

import (
	"fmt"
	"sync"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/rpc"
)

// Announce sends announce_peer to the nodes that gave a write token during a peer lookup.
// It must use the endpoint of that lookup because tokens are bound to the requester's address.
type Announce struct {
	base
	infoHash   key.Key
	port       int
	seed       bool
	candidates []Candidate

	am        sync.Mutex
	inFlight  int
	succeeded int
}

// NewAnnounce returns an announce task. port 0 asks nodes to use the source port of the query.
func NewAnnounce(e rpc.Endpoint, infoHash key.Key, port int, seed bool, candidates []Candidate) *Announce {
	a := &Announce{
		infoHash:   infoHash,
		port:       port,
		seed:       seed,
		candidates: candidates,
	}
	a.init(a, e)
	return a
}

func (a *Announce) Start() {
	args := krpc.Args{InfoHash: a.infoHash.Binary(), Port: a.port}
	if a.port == 0 {
		args.ImpliedPort = 1
	}
	if a.seed {
		args.Seed = 1
	}
	a.am.Lock()
	a.inFlight = len(a.candidates)
	a.am.Unlock()
	if len(a.candidates) == 0 {
		a.finish()
		return
	}
	for _, c := range a.candidates {
		qa := args
		qa.Token = c.Token
		q := krpc.NewQuery(krpc.AnnouncePeer, qa, c.Addr)
		if err := a.endpoint.Query(q, c.ID, a.handle); err != nil {
			a.handle(nil, err)
		}
	}
}

func (a *Announce) handle(resp *krpc.Msg, err error) {
	a.am.Lock()
	a.inFlight--
	if resp != nil {
		a.succeeded++
	}
	done := a.inFlight == 0
	a.am.Unlock()
	if done {
		a.finish()
	}
}

// Succeeded returns the number of nodes that accepted the announce.
func (a *Announce) Succeeded() int {
	a.am.Lock()
	defer a.am.Unlock()
	return a.succeeded
}

func (a *Announce) String() string {
	return a.describe(fmt.Sprintf("announce %s to %d nodes, %d ok", a.infoHash, len(a.candidates), a.Succeeded()))
}
