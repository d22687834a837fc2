// Package routingtable keeps the contacts of a DHT node in buckets indexed by
// the length of the prefix they share with the local node id.
package routingtable

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/addrfilter"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/logger"
)

// Owner is the node that the table belongs to.
type Owner interface {
	// LocalIDs returns the ids used by the node's endpoints.
	LocalIDs() []key.Key
	// LocalNodes returns endpoints of the node whose public address is known.
	LocalNodes() []krpc.NodeInfo
	// RefreshBucket pings the given contacts of a stale bucket.
	RefreshBucket(nodes []krpc.NodeInfo)
	// FillBucket starts a lookup for target.
	FillBucket(target key.Key)
}

// Config of Table.
type Config struct {
	// Bucket capacity.
	K int
	// Contacts are evicted after this many timeouts without a response.
	MaxFailures int
	// Buckets without activity are refreshed after this duration.
	RefreshInterval time.Duration
	// Table enters survival mode when more than this many timeouts happen between
	// two bucket checks without a single response.
	SurvivalTimeouts int
	// Contacts in the filter are ignored. Nil means the reserved ranges only.
	Filter *addrfilter.Filter
}

// DefaultConfig for Table.
var DefaultConfig = Config{
	K:                8,
	MaxFailures:      3,
	RefreshInterval:  15 * time.Minute,
	SurvivalTimeouts: 32,
}

// Entry is a contact in the table.
type Entry struct {
	krpc.NodeInfo
	Created  time.Time
	LastSeen time.Time
	Verified bool
	Failures int
}

type bucket struct {
	entries      []*Entry
	replacements []*Entry
	lastChanged  time.Time
}

func (b *bucket) find(id key.Key) (int, *Entry) {
	for i, e := range b.entries {
		if e.ID == id {
			return i, e
		}
	}
	return -1, nil
}

func (b *bucket) findReplacement(id key.Key) int {
	for i, e := range b.replacements {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Table is safe for concurrent use.
type Table struct {
	root   key.Key
	ipv6   bool
	config Config
	owner  Owner
	clock  clock.Clock
	path   string
	log    logger.Logger

	m       sync.RWMutex
	buckets [key.Bits + 1]bucket
	size    int

	recentTimeouts  atomic.Int32
	recentResponses atomic.Int32
	survival        atomic.Bool
}

// New returns an empty Table. The root id is read from the database at path or generated if it does not exist.
func New(cfg Config, path string, ipv6 bool, owner Owner, clk clock.Clock) *Table {
	name := "routing table ipv4"
	if ipv6 {
		name = "routing table ipv6"
	}
	t := &Table{
		ipv6:   ipv6,
		config: cfg,
		owner:  owner,
		clock:  clk,
		path:   path,
		log:    logger.New(name),
	}
	root, err := readRootID(path)
	if err != nil {
		t.log.Debugln("cannot read root id:", err)
	}
	if root.IsZero() {
		root = key.Random()
	}
	t.root = root
	return t
}

// RootID is the id of the node that owns the table.
func (t *Table) RootID() key.Key {
	return t.root
}

// LocalIDs returns the root id and the ids of all endpoints.
func (t *Table) LocalIDs() []key.Key {
	ids := []key.Key{t.root}
	for _, id := range t.owner.LocalIDs() {
		if id != t.root {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Table) isLocal(id key.Key) bool {
	for _, l := range t.LocalIDs() {
		if l == id {
			return true
		}
	}
	return false
}

func (t *Table) bucketIndex(id key.Key) int {
	return key.CommonPrefixLen(t.root, id)
}

// Len returns the number of contacts in the table, excluding replacements.
func (t *Table) Len() int {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.size
}

// InSurvivalMode returns true if the last bucket check saw only timeouts.
func (t *Table) InSurvivalMode() bool {
	return t.survival.Load()
}

// Received records the sender of an inbound message.
// Responders are verified. Queriers are added unverified if there is room.
func (t *Table) Received(m *krpc.Msg) {
	id, ok := m.SenderID()
	if !ok || m.Addr == nil {
		return
	}
	if (m.Addr.IP.To4() == nil) != t.ipv6 || t.isBogon(m.Addr) {
		return
	}
	if t.isLocal(id) {
		return
	}
	response := m.Y == krpc.TypeResponse
	if response {
		t.recentResponses.Add(1)
	}
	t.insert(krpc.NodeInfo{ID: id, Addr: m.Addr}, response)
}

func (t *Table) isBogon(addr *net.UDPAddr) bool {
	if t.config.Filter != nil {
		return t.config.Filter.IsBogon(addr.IP, addr.Port)
	}
	return addrfilter.IsBogon(addr.IP, addr.Port)
}

// Add inserts a contact learned from a trusted source, like a saved table.
func (t *Table) Add(n krpc.NodeInfo) {
	if n.Addr == nil || t.isBogon(n.Addr) || t.isLocal(n.ID) {
		return
	}
	t.insert(n, false)
}

func (t *Table) insert(n krpc.NodeInfo, verified bool) {
	now := t.clock.Now()
	t.m.Lock()
	defer t.m.Unlock()
	b := &t.buckets[t.bucketIndex(n.ID)]

	if _, e := b.find(n.ID); e != nil {
		// Ignore contacts claiming a known id from a different address.
		if !e.Addr.IP.Equal(n.Addr.IP) || e.Addr.Port != n.Addr.Port {
			return
		}
		if verified {
			e.Verified = true
			e.Failures = 0
			e.LastSeen = now
			b.lastChanged = now
		}
		return
	}
	ne := &Entry{NodeInfo: n, Created: now, Verified: verified}
	if verified {
		ne.LastSeen = now
	}
	if len(b.entries) < t.config.K {
		b.entries = append(b.entries, ne)
		b.lastChanged = now
		t.size++
		return
	}
	for i, e := range b.entries {
		if e.Failures >= t.config.MaxFailures || (verified && !e.Verified && e.Failures > 0) {
			b.entries[i] = ne
			b.lastChanged = now
			return
		}
	}
	if i := b.findReplacement(n.ID); i >= 0 {
		b.replacements[i] = ne
		return
	}
	if len(b.replacements) >= t.config.K {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, ne)
}

// OnTimeout counts a failed call to the contact with the given address and id.
func (t *Table) OnTimeout(addr *net.UDPAddr, id key.Key) {
	t.recentTimeouts.Add(1)
	t.m.Lock()
	defer t.m.Unlock()
	var b *bucket
	var e *Entry
	var i int
	if !id.IsZero() {
		b = &t.buckets[t.bucketIndex(id)]
		i, e = b.find(id)
	} else {
		b, i, e = t.findAddr(addr)
	}
	if e == nil {
		return
	}
	e.Failures++
	if e.Failures < t.config.MaxFailures || t.survival.Load() {
		return
	}
	if n := len(b.replacements); n > 0 {
		b.entries[i] = b.replacements[n-1]
		b.replacements = b.replacements[:n-1]
		return
	}
	if e.Failures >= 2*t.config.MaxFailures {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		t.size--
	}
}

func (t *Table) findAddr(addr *net.UDPAddr) (*bucket, int, *Entry) {
	for bi := range t.buckets {
		b := &t.buckets[bi]
		for i, e := range b.entries {
			if e.Addr.Port == addr.Port && e.Addr.IP.Equal(addr.IP) {
				return b, i, e
			}
		}
	}
	return nil, -1, nil
}

// Closest returns up to n contacts closest to target. If includeSelf is true the
// node's own endpoints with known public addresses are candidates too.
func (t *Table) Closest(target key.Key, n int, includeSelf bool) []krpc.NodeInfo {
	var candidates []krpc.NodeInfo
	t.m.RLock()
	for bi := range t.buckets {
		for _, e := range t.buckets[bi].entries {
			if e.Failures < t.config.MaxFailures {
				candidates = append(candidates, e.NodeInfo)
			}
		}
	}
	t.m.RUnlock()
	if includeSelf {
		candidates = append(candidates, t.owner.LocalNodes()...)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return target.Closer(candidates[i].ID, candidates[j].ID)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Entries returns a copy of all contacts.
func (t *Table) Entries() []Entry {
	t.m.RLock()
	defer t.m.RUnlock()
	ret := make([]Entry, 0, t.size)
	for bi := range t.buckets {
		for _, e := range t.buckets[bi].entries {
			ret = append(ret, *e)
		}
	}
	return ret
}

// CheckBuckets promotes replacements over failing contacts, asks the owner to
// refresh buckets that had no activity for a while and updates survival mode.
func (t *Table) CheckBuckets(now time.Time) {
	timeouts := t.recentTimeouts.Swap(0)
	responses := t.recentResponses.Swap(0)
	survival := responses == 0 && int(timeouts) > t.config.SurvivalTimeouts
	if survival != t.survival.Swap(survival) {
		if survival {
			t.log.Warningln("entering survival mode after", timeouts, "timeouts")
		} else {
			t.log.Info("leaving survival mode")
		}
	}

	var refresh [][]krpc.NodeInfo
	t.m.Lock()
	for bi := range t.buckets {
		b := &t.buckets[bi]
		if !survival {
			for i := 0; i < len(b.entries) && len(b.replacements) > 0; i++ {
				if b.entries[i].Failures >= t.config.MaxFailures {
					n := len(b.replacements)
					b.entries[i] = b.replacements[n-1]
					b.replacements = b.replacements[:n-1]
					b.lastChanged = now
				}
			}
		}
		if len(b.entries) == 0 || now.Sub(b.lastChanged) < t.config.RefreshInterval {
			continue
		}
		var stale []krpc.NodeInfo
		for _, e := range b.entries {
			if !e.Verified || now.Sub(e.LastSeen) >= t.config.RefreshInterval {
				stale = append(stale, e.NodeInfo)
			}
		}
		b.lastChanged = now
		if len(stale) > 0 {
			refresh = append(refresh, stale)
		}
	}
	t.m.Unlock()

	for _, nodes := range refresh {
		t.owner.RefreshBucket(nodes)
	}
}

// FillBuckets asks the owner to look up a random key in every bucket that has room,
// up to one bucket past the deepest populated one.
func (t *Table) FillBuckets() {
	var targets []key.Key
	t.m.RLock()
	deepest := -1
	for bi := range t.buckets[:key.Bits] {
		if len(t.buckets[bi].entries) > 0 {
			deepest = bi
		}
	}
	for bi := 0; bi <= deepest+1 && bi < key.Bits; bi++ {
		if len(t.buckets[bi].entries) < t.config.K {
			targets = append(targets, t.root.Sibling(bi))
		}
	}
	t.m.RUnlock()

	for _, target := range targets {
		t.owner.FillBucket(target)
	}
}

func (t *Table) String() string {
	t.m.RLock()
	defer t.m.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "root: %s entries: %d survival: %v\n", t.root, t.size, t.survival.Load())
	for bi := range t.buckets {
		bk := &t.buckets[bi]
		if len(bk.entries) == 0 && len(bk.replacements) == 0 {
			continue
		}
		verified := 0
		for _, e := range bk.entries {
			if e.Verified {
				verified++
			}
		}
		fmt.Fprintf(&b, "  bucket %3d: %d entries (%d verified) %d replacements\n", bi, len(bk.entries), verified, len(bk.replacements))
	}
	return b.String()
}
