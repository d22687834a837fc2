package dht

import (
	"testing"
	"time"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func killAll(d *DHT) {
	for _, t := range d.subsys.Load().tasks.Active() {
		t.Kill()
	}
}

func numActive(d *DHT) int {
	return len(d.subsys.Load().tasks.Active())
}

func TestBootstrapWithRouter(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.start(t, IPv4)
	e := env.endpoint(IPv4)

	active := d.subsys.Load().tasks.Active()
	require.Len(t, active, 1)
	nl, ok := active[0].(*task.NodeLookup)
	require.True(t, ok)
	assert.True(t, nl.IsBootstrap())
	assert.Equal(t, e.DerivedID(), nl.Target())
	seeds := nl.Seeds()
	require.Len(t, seeds, 1)
	assert.Equal(t, "1.2.3.4:6881", seeds[0].String())

	require.Len(t, e.queries, 1)
	assert.Equal(t, krpc.FindNode, e.queries[0].Q)
	assert.Equal(t, e.DerivedID().Binary(), e.queries[0].A.Target)
	assert.Equal(t, "1.2.3.4:6881", e.queries[0].Addr.String())
	assert.True(t, d.IsBootstrapping())
}

func TestBootstrapIPv6UsesIPv6Router(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.start(t, IPv6)

	nl := d.subsys.Load().tasks.Active()[0].(*task.NodeLookup)
	require.Len(t, nl.Seeds(), 1)
	assert.Equal(t, "[2a00:1450::1]:6881", nl.Seeds()[0].String())
}

func TestBootstrapOnlyOnceWithinCooldown(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.NoRouterBootstrap = true })
	d := env.start(t, IPv4)
	tb := env.table(IPv4)

	// cold node without routers does not bootstrap
	assert.Zero(t, numActive(d))
	assert.False(t, d.IsBootstrapping())

	tb.addEntries(2, false)
	d.Bootstrap()
	assert.True(t, d.IsBootstrapping())
	require.Equal(t, 1, numActive(d))
	nl := d.subsys.Load().tasks.Active()[0].(*task.NodeLookup)
	assert.Empty(t, nl.Seeds())

	d.Bootstrap()
	assert.Equal(t, 1, numActive(d))

	killAll(d)
	assert.False(t, d.IsBootstrapping())
	assert.Equal(t, 1, tb.fills)

	env.clock.Add(time.Minute)
	d.Bootstrap()
	assert.Zero(t, numActive(d))
	assert.False(t, d.IsBootstrapping())

	env.clock.Add(d.config.BootstrapMinInterval)
	d.Bootstrap()
	assert.Equal(t, 1, numActive(d))
	assert.True(t, d.IsBootstrapping())
}

func TestBootstrapFanIn(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.NoRouterBootstrap = true })
	d := env.start(t, IPv4)
	tb := env.table(IPv4)
	tb.addEntries(20, false)
	pool := env.pools[IPv4]
	second := &fakeEndpoint{id: key.Derive(d.OurID(), 1)}
	pool.endpoints = append(pool.endpoints, second)
	pool.active = 2

	d.Bootstrap()
	active := d.subsys.Load().tasks.Active()
	require.Len(t, active, 2)
	targets := []key.Key{active[0].(*task.NodeLookup).Target(), active[1].(*task.NodeLookup).Target()}
	assert.ElementsMatch(t, []key.Key{d.OurID(), second.id}, targets)

	active[0].Kill()
	assert.True(t, d.IsBootstrapping())
	active[1].Kill()
	assert.False(t, d.IsBootstrapping())
	// table is above the router threshold
	assert.Zero(t, tb.fills)
}

func TestBootstrapWithoutEndpoints(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.NoRouterBootstrap = true })
	d := env.start(t, IPv4)
	env.table(IPv4).addEntries(2, false)
	env.pools[IPv4].Destroy()

	d.Bootstrap()
	assert.False(t, d.IsBootstrapping())
	assert.Zero(t, numActive(d))
}

func TestBootstrapBlockedUntilLoaded(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.dht(IPv4)
	require.NoError(t, d.Start())

	d.Bootstrap()
	assert.Zero(t, numActive(d))
	assert.True(t, d.IsBootstrapping())

	env.table(IPv4).load()
	assert.Equal(t, 1, numActive(d))
}

func TestBootstrapNotRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.dht(IPv4)
	d.Bootstrap()
	assert.False(t, d.IsBootstrapping())
}
