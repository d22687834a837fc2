package dht

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/rpctypes"
	"github.com/cenkalti/dhtnode/internal/task"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

var (
	errUnknownFamily  = jsonrpc2.NewError(1, "unknown family")
	errInvalidHash    = jsonrpc2.NewError(2, "invalid info hash")
	errLookupTimeout  = jsonrpc2.NewError(3, "lookup timed out")
	defaultRPCTimeout = 30 * time.Second
)

type rpcHandler struct {
	registry *Registry
}

func (h *rpcHandler) instance(family string) (*DHT, error) {
	switch strings.ToLower(family) {
	case "", "ipv4", "4":
		return h.registry.Get(IPv4), nil
	case "ipv6", "6":
		return h.registry.Get(IPv6), nil
	}
	return nil, errUnknownFamily
}

func (h *rpcHandler) GetStats(args *rpctypes.GetStatsRequest, reply *rpctypes.GetStatsResponse) error {
	d, err := h.instance(args.Family)
	if err != nil {
		return err
	}
	s := d.Stats()
	reply.Stats = rpctypes.Stats{
		Type:               s.Type,
		Status:             d.Status().String(),
		Bootstrapping:      d.IsBootstrapping(),
		StartedAt:          rpctypes.Time{Time: s.StartedAt},
		NumPeers:           s.NumPeers,
		NumTasks:           s.NumTasks,
		NumActiveTasks:     s.NumActiveTasks,
		NumQueuedTasks:     s.NumQueuedTasks,
		NumEndpoints:       s.NumEndpoints,
		NumActiveEndpoints: s.NumActiveEndpoints,
		NumSentPackets:     s.NumSentPackets,
		NumReceivedPackets: s.NumReceivedPackets,
		NumTimeouts:        s.NumTimeouts,
		NumRPCCalls:        s.NumRPCCalls,
		NumCachedLookups:   s.NumCachedLookups,
		StoredKeys:         s.DB.NumKeys,
		StoredPeers:        s.DB.NumItems,
		TokensIssued:       s.DB.TokensIssued,
		TokensRejected:     s.DB.TokensRejected,
	}
	return nil
}

func (h *rpcHandler) GetMetrics(args *rpctypes.GetMetricsRequest, reply *rpctypes.GetMetricsResponse) error {
	d, err := h.instance(args.Family)
	if err != nil {
		return err
	}
	reply.Metrics = d.Metrics()
	return nil
}

func (h *rpcHandler) GetDiagnostics(args *rpctypes.GetDiagnosticsRequest, reply *rpctypes.GetDiagnosticsResponse) error {
	d, err := h.instance(args.Family)
	if err != nil {
		return err
	}
	reply.Diagnostics = d.Diagnostics()
	return nil
}

func (h *rpcHandler) AddNode(args *rpctypes.AddNodeRequest, reply *rpctypes.AddNodeResponse) error {
	d, err := h.instance(args.Family)
	if err != nil {
		return err
	}
	return d.AddDHTNode(context.Background(), args.Host, args.Port)
}

func (h *rpcHandler) GetPeers(args *rpctypes.GetPeersRequest, reply *rpctypes.GetPeersResponse) error {
	d, err := h.instance(args.Family)
	if err != nil {
		return err
	}
	ih, err := key.Decode(args.InfoHash)
	if err != nil {
		return errInvalidHash
	}
	timeout := defaultRPCTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	pl, err := d.GetPeers(ih)
	if err != nil {
		return err
	}
	if !waitTask(pl, timeout) {
		pl.Kill()
		return errLookupTimeout
	}
	for _, addr := range pl.Peers() {
		reply.Peers = append(reply.Peers, addr.String())
	}
	if !args.Announce {
		return nil
	}
	a, err := d.Announce(pl, args.Seed, args.Port)
	if err != nil {
		return err
	}
	if !waitTask(a, timeout) {
		a.Kill()
		return errLookupTimeout
	}
	reply.Announced = a.Succeeded()
	return nil
}

// waitTask blocks until t is finished or timeout expires.
func waitTask(t task.Task, timeout time.Duration) bool {
	done := make(chan struct{})
	t.AddListener(func(task.Task) { close(done) })
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
