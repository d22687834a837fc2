// Package rpcclient provides a client for the control API of a running dhtnode.
package rpcclient

import (
	"github.com/cenkalti/dhtnode/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

// Client of the control API.
type Client struct {
	client *jsonrpc2.Client
	family string
}

// New returns a client sending requests to the given URL, e.g. "http://127.0.0.1:7247".
// Requests are made to the IPv4 instance unless SetFamily is called.
func New(url string) *Client {
	return &Client{client: jsonrpc2.NewHTTPClient(url)}
}

// SetFamily selects the instance that subsequent requests go to. Valid values are "ipv4" and "ipv6".
func (c *Client) SetFamily(family string) {
	c.family = family
}

// Close the client.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetStats returns the last stats snapshot.
func (c *Client) GetStats() (*rpctypes.Stats, error) {
	args := rpctypes.GetStatsRequest{Family: c.family}
	var reply rpctypes.GetStatsResponse
	return &reply.Stats, c.client.Call("DHT.GetStats", args, &reply)
}

// GetMetrics returns gauge and counter values by name.
func (c *Client) GetMetrics() (map[string]int64, error) {
	args := rpctypes.GetMetricsRequest{Family: c.family}
	var reply rpctypes.GetMetricsResponse
	return reply.Metrics, c.client.Call("DHT.GetMetrics", args, &reply)
}

// GetDiagnostics returns the diagnostics report.
func (c *Client) GetDiagnostics() (string, error) {
	args := rpctypes.GetDiagnosticsRequest{Family: c.family}
	var reply rpctypes.GetDiagnosticsResponse
	return reply.Diagnostics, c.client.Call("DHT.GetDiagnostics", args, &reply)
}

// AddNode pings a node so that it is added to the routing table.
func (c *Client) AddNode(host string, port int) error {
	args := rpctypes.AddNodeRequest{Family: c.family, Host: host, Port: port}
	var reply rpctypes.AddNodeResponse
	return c.client.Call("DHT.AddNode", args, &reply)
}

// GetPeers runs a peer lookup for the hex encoded info hash and optionally announces to the nodes found.
func (c *Client) GetPeers(args rpctypes.GetPeersRequest) (*rpctypes.GetPeersResponse, error) {
	if args.Family == "" {
		args.Family = c.family
	}
	var reply rpctypes.GetPeersResponse
	return &reply, c.client.Call("DHT.GetPeers", args, &reply)
}
