package dht

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/rpctypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, IPv6)
	env.table(IPv6).addEntries(4, true)
	env.sched.fire(t, "IPv6 pre-bootstrap")
	h := &rpcHandler{registry: env.registry}

	var stats rpctypes.GetStatsResponse
	require.NoError(t, h.GetStats(&rpctypes.GetStatsRequest{Family: "ipv6"}, &stats))
	assert.Equal(t, "IPv6", stats.Stats.Type)
	assert.Equal(t, 4, stats.Stats.NumPeers)
	assert.Equal(t, "Initializing", stats.Stats.Status)
	assert.True(t, stats.Stats.Bootstrapping)

	var metrics rpctypes.GetMetricsResponse
	require.NoError(t, h.GetMetrics(&rpctypes.GetMetricsRequest{Family: "6"}, &metrics))
	assert.Equal(t, int64(4), metrics.Metrics["routing_table_entries"])

	var diag rpctypes.GetDiagnosticsResponse
	require.NoError(t, h.GetDiagnostics(&rpctypes.GetDiagnosticsRequest{}, &diag))
	assert.Contains(t, diag.Diagnostics, "Type IPv4")
	assert.Contains(t, diag.Diagnostics, "Not running")

	assert.Equal(t, errUnknownFamily, h.GetStats(&rpctypes.GetStatsRequest{Family: "ipx"}, &stats))

	var peers rpctypes.GetPeersResponse
	assert.Equal(t, errInvalidHash, h.GetPeers(&rpctypes.GetPeersRequest{Family: "ipv6", InfoHash: "zz"}, &peers))
	assert.Equal(t, ErrNotRunning, h.GetPeers(&rpctypes.GetPeersRequest{InfoHash: key.Random().String()}, &peers))
}

func TestRPCHandlerGetPeersTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.start(t, IPv4)
	env.table(IPv4).addEntries(2, false)
	h := &rpcHandler{registry: env.registry}

	var peers rpctypes.GetPeersResponse
	err := h.GetPeers(&rpctypes.GetPeersRequest{InfoHash: key.Random().String(), Timeout: 1}, &peers)
	assert.Equal(t, errLookupTimeout, err)
	// only the bootstrap lookup is left
	assert.Equal(t, 1, numActive(d))
}

func TestServeDiagnostics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, IPv6)
	h := &rpcHandler{registry: env.registry}

	w := httptest.NewRecorder()
	h.serveDiagnostics(w, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Type IPv4")
	assert.Contains(t, w.Body.String(), "Not running")
	assert.Contains(t, w.Body.String(), "Type IPv6")

	w = httptest.NewRecorder()
	h.serveDiagnostics(w, httptest.NewRequest(http.MethodGet, "/diagnostics?family=6", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Type IPv4")
	assert.Contains(t, w.Body.String(), "Routing table")

	w = httptest.NewRecorder()
	h.serveDiagnostics(w, httptest.NewRequest(http.MethodGet, "/diagnostics?family=ipx", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
