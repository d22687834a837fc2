// Package announcecache remembers the closest nodes found by recent lookups so that
// lookups for nearby targets can start close to the destination.
package announcecache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	nodes   []krpc.NodeInfo
	updated time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	maxAge time.Duration
	clock  clock.Clock

	m     sync.Mutex
	cache *lru.Cache[key.Key, entry]
	hits  int64
	miss  int64
}

// New returns a Cache holding at most size targets. Entries older than maxAge are ignored and removed by Cleanup.
func New(size int, maxAge time.Duration, clk clock.Clock) *Cache {
	c, err := lru.New[key.Key, entry](size)
	if err != nil {
		panic(err)
	}
	return &Cache{
		maxAge: maxAge,
		clock:  clk,
		cache:  c,
	}
}

// Register stores the closest nodes found for target.
func (c *Cache) Register(target key.Key, nodes []krpc.NodeInfo) {
	if len(nodes) == 0 {
		return
	}
	cp := make([]krpc.NodeInfo, len(nodes))
	copy(cp, nodes)
	c.m.Lock()
	c.cache.Add(target, entry{nodes: cp, updated: c.clock.Now()})
	c.m.Unlock()
}

// Get returns fresh nodes registered for target.
func (c *Cache) Get(target key.Key) []krpc.NodeInfo {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.cache.Get(target)
	if !ok || c.clock.Since(e.updated) > c.maxAge {
		c.miss++
		return nil
	}
	c.hits++
	return e.nodes
}

// Remove drops a node that stopped responding from every entry.
func (c *Cache) Remove(id key.Key) {
	c.m.Lock()
	defer c.m.Unlock()
	for _, k := range c.cache.Keys() {
		e, ok := c.cache.Peek(k)
		if !ok {
			continue
		}
		for i, n := range e.nodes {
			if n.ID == id {
				nodes := make([]krpc.NodeInfo, 0, len(e.nodes)-1)
				nodes = append(nodes, e.nodes[:i]...)
				nodes = append(nodes, e.nodes[i+1:]...)
				if len(nodes) == 0 {
					c.cache.Remove(k)
				} else {
					c.cache.Add(k, entry{nodes: nodes, updated: e.updated})
				}
				break
			}
		}
	}
}

// Cleanup removes entries older than the maximum age.
func (c *Cache) Cleanup(now time.Time) int {
	c.m.Lock()
	defer c.m.Unlock()
	removed := 0
	for _, k := range c.cache.Keys() {
		e, ok := c.cache.Peek(k)
		if ok && now.Sub(e.updated) > c.maxAge {
			c.cache.Remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached targets.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.cache.Len()
}

func (c *Cache) String() string {
	c.m.Lock()
	defer c.m.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "targets: %d hits: %d misses: %d\n", c.cache.Len(), c.hits, c.miss)
	return b.String()
}
