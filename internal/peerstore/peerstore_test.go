package peerstore

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *clock.Mock) {
	clk := clock.NewMock()
	return New(DefaultConfig, clk), clk
}

func TestTokenBoundToTriple(t *testing.T) {
	s, _ := newTestStore()
	ip := net.ParseIP("1.2.3.4")
	ih := key.Random()

	tok := s.GenToken(ip, 6881, ih)
	require.True(t, s.CheckToken(tok, ip, 6881, ih))
	require.False(t, s.CheckToken(tok, net.ParseIP("1.2.3.5"), 6881, ih))
	require.False(t, s.CheckToken(tok, ip, 6882, ih))
	require.False(t, s.CheckToken(tok, ip, 6881, key.Random()))
	require.False(t, s.CheckToken([]byte("short"), ip, 6881, ih))
	require.Equal(t, int64(4), s.Stats().TokensRejected)
}

func TestTokenExpires(t *testing.T) {
	s, clk := newTestStore()
	ip := net.ParseIP("1.2.3.4")
	ih := key.Random()

	tok := s.GenToken(ip, 6881, ih)
	clk.Add(DefaultConfig.TokenTimeout + time.Second)
	require.True(t, s.CheckToken(tok, ip, 6881, ih))

	clk.Add(DefaultConfig.TokenTimeout)
	require.False(t, s.CheckToken(tok, ip, 6881, ih))
}

func TestStoreAndSample(t *testing.T) {
	s, _ := newTestStore()
	ih := key.Random()

	require.True(t, s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false))
	require.True(t, s.Store(ih, net.ParseIP("1.2.3.5"), 1000, true))
	require.True(t, s.Store(ih, net.ParseIP("2a00:1450:4001:80b::200e"), 1000, false))
	require.True(t, s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false))

	require.Len(t, s.Sample(ih, 50, false, false), 2)
	require.Len(t, s.Sample(ih, 50, false, true), 1)
	require.Len(t, s.Sample(ih, 1, false, false), 1)
	require.Len(t, s.Sample(ih, 50, true, false), 1)
	require.Empty(t, s.Sample(key.Random(), 50, false, false))

	st := s.Stats()
	require.Equal(t, 1, st.NumKeys)
	require.Equal(t, 3, st.NumItems)
}

func TestInsertAllowed(t *testing.T) {
	clk := clock.NewMock()
	s := New(Config{MaxPeersPerKey: 1, MaxKeys: 1, PeerTTL: time.Minute, TokenTimeout: time.Minute}, clk)
	ih := key.Random()
	require.True(t, s.InsertAllowed(ih))
	require.True(t, s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false))
	require.False(t, s.InsertAllowed(ih))
	require.False(t, s.Store(ih, net.ParseIP("1.2.3.5"), 1000, false))
	require.False(t, s.InsertAllowed(key.Random()))
	// refreshing a known peer is always allowed
	require.True(t, s.Store(ih, net.ParseIP("1.2.3.4"), 1000, true))
}

func TestExpire(t *testing.T) {
	s, clk := newTestStore()
	ih := key.Random()
	s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false)
	clk.Add(DefaultConfig.PeerTTL / 2)
	s.Store(ih, net.ParseIP("1.2.3.5"), 1000, false)

	require.Equal(t, 0, s.Expire(clk.Now()))
	clk.Add(DefaultConfig.PeerTTL / 2)
	require.Equal(t, 1, s.Expire(clk.Now()))
	require.Len(t, s.Sample(ih, 50, false, false), 1)

	clk.Add(DefaultConfig.PeerTTL)
	require.Equal(t, 1, s.Expire(clk.Now()))
	require.Equal(t, 0, s.Stats().NumKeys)
}

func TestExpireAfterRefresh(t *testing.T) {
	s, clk := newTestStore()
	ih := key.Random()
	s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false)
	clk.Add(DefaultConfig.PeerTTL - time.Second)
	s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false)
	clk.Add(2 * time.Second)
	require.Equal(t, 0, s.Expire(clk.Now()))
	require.Len(t, s.Sample(ih, 50, false, false), 1)
}

func TestScrape(t *testing.T) {
	s, _ := newTestStore()
	ih := key.Random()
	require.Nil(t, s.Scrape(ih, true))

	s.Store(ih, net.ParseIP("1.2.3.4"), 1000, false)
	s.Store(ih, net.ParseIP("1.2.3.5"), 1000, false)
	s.Store(ih, net.ParseIP("1.2.3.6"), 1000, true)

	peers := s.Scrape(ih, false)
	seeds := s.Scrape(ih, true)
	require.Equal(t, 2, peers.Size())
	require.Equal(t, 1, seeds.Size())
	require.Len(t, seeds.Bytes(), 256)
}

func TestScrapeFilterEmpty(t *testing.T) {
	var f ScrapeFilter
	require.Equal(t, 0, f.Size())
}
