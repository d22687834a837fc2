package dht

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/dhtnode/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.registry
	d4, d6 := r.Get(IPv4), r.Get(IPv6)
	assert.Same(t, d6, d4.other)
	assert.Same(t, d4, d6.other)
	assert.Same(t, d4.routers, d6.routers)

	require.NoError(t, r.Start())
	assert.True(t, d4.IsRunning())
	assert.True(t, d6.IsRunning())
	assert.NotEqual(t, d4.OurID(), d6.OurID())

	r.Stop()
	assert.False(t, d4.IsRunning())
	assert.False(t, d6.IsRunning())
	registered, cancelled := env.sched.counts()
	assert.Equal(t, registered, cancelled)
}

func TestRegistryDisableIPv6(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DisableIPv6 = true })
	require.NoError(t, env.registry.Start())
	assert.True(t, env.dht(IPv4).IsRunning())
	assert.False(t, env.dht(IPv6).IsRunning())
	env.registry.Stop()
}

func TestRegistryBlocklist(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "blocklist")
	require.NoError(t, os.WriteFile(filename, []byte("# test\n9.9.0.0/16\n"), 0o600))
	env := newTestEnv(t, func(c *Config) { c.Blocklist = filename })
	require.NoError(t, env.registry.Start())
	defer env.registry.Stop()
	d := env.dht(IPv4)

	blocked := &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 6881}
	allowed := &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 6881}
	assert.ErrorIs(t, d.AddDHTNode(context.Background(), "9.9.9.9", 6881), resolver.ErrBogon)
	assert.False(t, d.isRoutable(blocked))
	assert.True(t, d.isRoutable(allowed))
	assert.False(t, env.dht(IPv6).isRoutable(blocked))

	require.NoError(t, os.WriteFile(filename, []byte("8.8.8.0/24\n"), 0o600))
	require.NoError(t, env.registry.ReloadBlocklist())
	assert.True(t, d.isRoutable(blocked))
	assert.False(t, d.isRoutable(allowed))
}

func TestRegistryMissingBlocklist(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Blocklist = filepath.Join(t.TempDir(), "missing") })
	require.NoError(t, env.registry.Start())
	assert.True(t, env.dht(IPv4).IsRunning())
	assert.Error(t, env.registry.ReloadBlocklist())
	env.registry.Stop()
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.Port, c.Port)

	filename := filepath.Join(dir, "config.yaml")
	data := "port: 6881\nno-router-bootstrap: true\nbootstrap-min-interval: 1m\nrouters:\n  - example.com:1234\n"
	require.NoError(t, os.WriteFile(filename, []byte(data), 0o600))
	c, err = LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, 6881, c.Port)
	assert.True(t, c.NoRouterBootstrap)
	assert.Equal(t, time.Minute, c.BootstrapMinInterval)
	assert.Equal(t, []string{"example.com:1234"}, c.Routers)
	assert.Equal(t, DefaultConfig.MaxActiveTasks, c.MaxActiveTasks)
}

func TestConfigPort(t *testing.T) {
	for _, p := range []int{0, -1, 65536} {
		c := Config{Port: p}
		assert.Equal(t, DefaultPort, c.port())
	}
	c := Config{Port: 6881}
	assert.Equal(t, 6881, c.port())
}

func TestTablePath(t *testing.T) {
	dir := t.TempDir()
	c := Config{RoutingTablePath: filepath.Join(dir, "sub", "table.db")}
	p, err := c.tablePath(IPv6)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub", "table.db.ipv6"), p)
	_, err = os.Stat(filepath.Join(dir, "sub"))
	assert.NoError(t, err)

	c.RoutingTablePath = ""
	p, err = c.tablePath(IPv4)
	require.NoError(t, err)
	assert.Empty(t, p)
}
