package addrfilter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/google/btree"
)

var errNotIPv4Address = errors.New("address is not ipv4")

// Reserved IPv4 ranges that are never reachable on the public internet.
var bogons4 = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

var (
	globalUnicast6 = mustParseCIDR("2000::/3")
	documentation6 = mustParseCIDR("2001:db8::/32")
	teredo6        = mustParseCIDR("2001::/32")
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Filter holds IPv4 ranges in a B-tree keyed by the first address of each range.
// Overlapping ranges are merged on load, so a lookup needs a single descent.
type Filter struct {
	logger Logger

	tree  *btree.BTreeG[ipRange]
	m     sync.RWMutex
	count int
}

// Logger prints error messages during loading. Arguments are handled in the manner of fmt.Printf.
type Logger func(format string, v ...any)

// New returns a Filter containing the reserved IPv4 ranges.
func New() *Filter {
	return NewLogger(nil)
}

// NewLogger returns a new Filter with a logger that prints error messages during loading.
func NewLogger(logger Logger) *Filter {
	f := &Filter{logger: logger}
	ranges := make([]ipRange, 0, len(bogons4))
	for _, s := range bogons4 {
		r, err := parseCIDR([]byte(s))
		if err != nil {
			panic(err)
		}
		ranges = append(ranges, r)
	}
	f.tree = build(ranges)
	f.count = len(ranges)
	return f
}

var defaultFilter = New()

// IsBogon reports whether the address cannot be announced by a real peer, using the reserved ranges only.
func IsBogon(ip net.IP, port int) bool {
	return defaultFilter.IsBogon(ip, port)
}

// Len returns the number of rules in the Filter.
func (f *Filter) Len() int {
	f.m.RLock()
	defer f.m.RUnlock()
	return f.count
}

// IsBogon reports whether ip:port is not a routable unicast endpoint.
func (f *Filter) IsBogon(ip net.IP, port int) bool {
	if port <= 0 || port > 65535 {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return f.Contains(ip4)
	}
	if len(ip) != net.IPv6len {
		return true
	}
	if !globalUnicast6.Contains(ip) {
		return true
	}
	return documentation6.Contains(ip) || teredo6.Contains(ip)
}

// Contains returns true if the IPv4 address is in one of the ranges.
func (f *Filter) Contains(ip net.IP) bool {
	ip = ip.To4()
	if ip == nil {
		return false
	}
	val := binary.BigEndian.Uint32(ip)

	f.m.RLock()
	defer f.m.RUnlock()

	found := false
	f.tree.DescendLessOrEqual(ipRange{first: val}, func(r ipRange) bool {
		found = val <= r.last
		return false
	})
	return found
}

// Reload replaces the ranges with the reserved ones plus the rules read from r, one CIDR per line.
func (f *Filter) Reload(r io.Reader) (int, error) {
	ranges, n, err := load(r, f.logger)
	if err != nil {
		return n, err
	}
	for _, s := range bogons4 {
		br, _ := parseCIDR([]byte(s))
		ranges = append(ranges, br)
	}
	tree := build(ranges)

	f.m.Lock()
	f.tree = tree
	f.count = n + len(bogons4)
	f.m.Unlock()
	return n, nil
}

func load(r io.Reader, logger Logger) ([]ipRange, int, error) {
	var ranges []ipRange
	var hasError bool
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l := bytes.TrimSpace(scanner.Bytes())
		if len(l) == 0 {
			continue
		}
		if l[0] == '#' {
			continue
		}
		r, err := parseCIDR(l)
		if err != nil {
			hasError = true
			if logger != nil {
				logger("cannot parse filter line (%q): %q", string(l), err.Error())
			}
			continue
		}
		ranges = append(ranges, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if len(ranges) == 0 && hasError {
		// At least one line must be correct before we consider the load operation as successful.
		return nil, 0, errors.New("no valid rules")
	}
	return ranges, len(ranges), nil
}

type ipRange struct {
	first, last uint32
}

func lessRange(a, b ipRange) bool {
	return a.first < b.first
}

func build(ranges []ipRange) *btree.BTreeG[ipRange] {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].first < ranges[j].first })
	tree := btree.NewG(2, lessRange)
	var cur ipRange
	for i, r := range ranges {
		switch {
		case i == 0:
			cur = r
		case cur.last != ^uint32(0) && r.first <= cur.last+1:
			if r.last > cur.last {
				cur.last = r.last
			}
		case cur.last == ^uint32(0):
		default:
			tree.ReplaceOrInsert(cur)
			cur = r
		}
	}
	if len(ranges) > 0 {
		tree.ReplaceOrInsert(cur)
	}
	return tree
}

func parseCIDR(b []byte) (r ipRange, err error) {
	_, ipnet, err := net.ParseCIDR(string(b))
	if err != nil {
		return
	}
	if len(ipnet.IP) != 4 {
		err = errNotIPv4Address
		return
	}
	if len(ipnet.Mask) != 4 {
		err = errNotIPv4Address
		return
	}
	r.first = binary.BigEndian.Uint32(ipnet.IP)
	r.last = r.first | ^binary.BigEndian.Uint32(ipnet.Mask)
	return
}
