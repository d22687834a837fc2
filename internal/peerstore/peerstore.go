// Package peerstore keeps announced peers per info hash and issues the write tokens that guard announces.
package peerstore

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/google/btree"
)

// Config of Store.
type Config struct {
	// Maximum number of peers kept for a single key.
	MaxPeersPerKey int
	// Maximum number of distinct keys.
	MaxKeys int
	// Announced peers are dropped after this duration unless they announce again.
	PeerTTL time.Duration
	// Write tokens are valid between one and two times this duration.
	TokenTimeout time.Duration
}

// DefaultConfig for Store.
var DefaultConfig = Config{
	MaxPeersPerKey: 2000,
	MaxKeys:        50000,
	PeerTTL:        30 * time.Minute,
	TokenTimeout:   5 * time.Minute,
}

// Item is an announced peer.
type Item struct {
	IP      net.IP
	Port    int
	Seed    bool
	Created time.Time
}

// IPv6 returns true if the peer address is not an IPv4 address.
func (i Item) IPv6() bool {
	return i.IP.To4() == nil
}

// Compact returns the compact peer info used in "values".
func (i Item) Compact() string {
	return krpc.CompactAddr(i.IP, i.Port)
}

func (i Item) String() string {
	return net.JoinHostPort(i.IP.String(), fmt.Sprint(i.Port))
}

type expiryItem struct {
	deadline time.Time
	ih       key.Key
	addr     string
}

func lessExpiry(a, b expiryItem) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	if c := a.ih.Compare(b.ih); c != 0 {
		return c < 0
	}
	return a.addr < b.addr
}

// Stats of Store.
type Stats struct {
	NumKeys        int
	NumItems       int
	TokensIssued   int64
	TokensRejected int64
}

// Store is safe for concurrent use.
type Store struct {
	cfg   Config
	clock clock.Clock

	m       sync.Mutex
	items   map[key.Key]map[string]*Item
	expiry  *btree.BTreeG[expiryItem]
	numPeer int
	tokens  tokenSecrets
	stats   Stats
}

// New returns an empty Store.
func New(cfg Config, clk clock.Clock) *Store {
	s := &Store{
		cfg:    cfg,
		clock:  clk,
		items:  make(map[key.Key]map[string]*Item),
		expiry: btree.NewG(8, lessExpiry),
	}
	s.tokens.current = newSecret()
	s.tokens.previous = newSecret()
	s.tokens.rotatedAt = clk.Now()
	return s
}

// InsertAllowed returns true if a new peer may be stored under ih.
func (s *Store) InsertAllowed(ih key.Key) bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.insertAllowed(ih)
}

func (s *Store) insertAllowed(ih key.Key) bool {
	peers, ok := s.items[ih]
	if !ok {
		return len(s.items) < s.cfg.MaxKeys
	}
	return len(peers) < s.cfg.MaxPeersPerKey
}

// Store adds the peer under ih or refreshes it if it is already known.
// It returns false if the store is full.
func (s *Store) Store(ih key.Key, ip net.IP, port int, seed bool) bool {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	now := s.clock.Now()
	addr := krpc.CompactAddr(ip, port)

	s.m.Lock()
	defer s.m.Unlock()

	peers := s.items[ih]
	if it, ok := peers[addr]; ok {
		s.expiry.Delete(expiryItem{deadline: it.Created.Add(s.cfg.PeerTTL), ih: ih, addr: addr})
		it.Seed = seed
		it.Created = now
		s.expiry.ReplaceOrInsert(expiryItem{deadline: now.Add(s.cfg.PeerTTL), ih: ih, addr: addr})
		return true
	}
	if !s.insertAllowed(ih) {
		return false
	}
	if peers == nil {
		peers = make(map[string]*Item)
		s.items[ih] = peers
	}
	peers[addr] = &Item{IP: ip, Port: port, Seed: seed, Created: now}
	s.numPeer++
	s.expiry.ReplaceOrInsert(expiryItem{deadline: now.Add(s.cfg.PeerTTL), ih: ih, addr: addr})
	return true
}

// Sample returns up to max random peers of the requested family stored under ih.
func (s *Store) Sample(ih key.Key, max int, ipv6, noSeeds bool) []Item {
	s.m.Lock()
	candidates := make([]Item, 0, len(s.items[ih]))
	for _, it := range s.items[ih] {
		if it.IPv6() != ipv6 {
			continue
		}
		if noSeeds && it.Seed {
			continue
		}
		candidates = append(candidates, *it)
	}
	s.m.Unlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// Scrape returns a filter containing the seeds or the non-seed peers stored under ih.
// It returns nil if nothing is stored under ih.
func (s *Store) Scrape(ih key.Key, seeds bool) *ScrapeFilter {
	s.m.Lock()
	defer s.m.Unlock()
	peers, ok := s.items[ih]
	if !ok {
		return nil
	}
	var f ScrapeFilter
	for _, it := range peers {
		if it.Seed == seeds {
			f.Insert(it.IP)
		}
	}
	return &f
}

// Expire removes peers that have not announced within PeerTTL.
func (s *Store) Expire(now time.Time) int {
	s.m.Lock()
	defer s.m.Unlock()
	removed := 0
	for {
		e, ok := s.expiry.Min()
		if !ok || e.deadline.After(now) {
			break
		}
		s.expiry.DeleteMin()
		peers := s.items[e.ih]
		if _, ok := peers[e.addr]; !ok {
			continue
		}
		delete(peers, e.addr)
		s.numPeer--
		removed++
		if len(peers) == 0 {
			delete(s.items, e.ih)
		}
	}
	return removed
}

// Stats returns counters of the Store.
func (s *Store) Stats() Stats {
	s.m.Lock()
	defer s.m.Unlock()
	st := s.stats
	st.NumKeys = len(s.items)
	st.NumItems = s.numPeer
	return st
}

func (s *Store) String() string {
	st := s.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "keys: %d peers: %d\n", st.NumKeys, st.NumItems)
	fmt.Fprintf(&b, "tokens issued: %d rejected: %d\n", st.TokensIssued, st.TokensRejected)
	return b.String()
}
