package resolver

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/addrfilter"
)

var (
	// ErrBogon indicates that the resolved address is not routable.
	ErrBogon = errors.New("address is not routable")
	// ErrWrongFamily indicates that the host has no address of the requested family.
	ErrWrongFamily = errors.New("no address of requested family")
	// ErrInvalidPort indicates that the port number in the address is invalid.
	ErrInvalidPort = errors.New("invalid port number")
)

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolve `hostport` to an address of the requested family.
func Resolve(ctx context.Context, hostport string, timeout time.Duration, ipv6 bool, f *addrfilter.Filter) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return ResolveHost(ctx, net.DefaultResolver.LookupIPAddr, host, port, timeout, ipv6, f)
}

// ResolveHost resolves `host` and pairs the first address of the requested family with port.
func ResolveHost(ctx context.Context, lookup LookupFunc, host string, port int, timeout time.Duration, ipv6 bool, f *addrfilter.Filter) (*net.UDPAddr, error) {
	if port <= 0 || port > 65535 {
		return nil, ErrInvalidPort
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		addrs, err := lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, ia := range addrs {
			ips = append(ips, ia.IP)
		}
	}
	for _, ip := range ips {
		if IsIPv6(ip) != ipv6 {
			continue
		}
		if f != nil && f.IsBogon(ip, port) {
			return nil, ErrBogon
		}
		return &net.UDPAddr{IP: normalize(ip), Port: port}, nil
	}
	return nil, ErrWrongFamily
}

// IsIPv6 returns true for addresses that cannot be represented in 4 bytes.
func IsIPv6(ip net.IP) bool {
	return ip.To4() == nil
}

func normalize(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

// Routers keeps the resolved addresses of well-known bootstrap routers.
// The last successful resolution is kept when a later one returns nothing.
type Routers struct {
	hosts    []string
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	lookup   LookupFunc

	m          sync.Mutex
	addrs      []*net.UDPAddr
	resolvedAt time.Time
	refreshing bool
}

// NewRouters returns a cache for the given host:port list. Addresses older than interval are stale.
func NewRouters(hosts []string, timeout, interval time.Duration, clk clock.Clock) *Routers {
	return &Routers{
		hosts:    hosts,
		timeout:  timeout,
		interval: interval,
		clock:    clk,
		lookup:   net.DefaultResolver.LookupIPAddr,
	}
}

// SetLookup replaces the DNS lookup function.
func (r *Routers) SetLookup(f LookupFunc) {
	r.lookup = f
}

// Resolve looks up every router host and replaces the cached list if anything resolved.
func (r *Routers) Resolve(ctx context.Context) int {
	r.m.Lock()
	if r.refreshing {
		r.m.Unlock()
		return 0
	}
	r.refreshing = true
	r.m.Unlock()

	var addrs []*net.UDPAddr
	for _, hostport := range r.hosts {
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			addrs = append(addrs, &net.UDPAddr{IP: normalize(ip), Port: port})
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, r.timeout)
		ias, err := r.lookup(lctx, host)
		cancel()
		if err != nil {
			continue
		}
		for _, ia := range ias {
			addrs = append(addrs, &net.UDPAddr{IP: normalize(ia.IP), Port: port})
		}
	}

	r.m.Lock()
	defer r.m.Unlock()
	r.refreshing = false
	if len(addrs) > 0 {
		r.addrs = addrs
		r.resolvedAt = r.clock.Now()
	}
	return len(addrs)
}

// Stale returns true when the cached list is empty or older than the refresh interval.
func (r *Routers) Stale() bool {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.addrs) == 0 || r.clock.Since(r.resolvedAt) > r.interval
}

// Addrs returns a copy of the cached addresses.
func (r *Routers) Addrs() []*net.UDPAddr {
	r.m.Lock()
	defer r.m.Unlock()
	addrs := make([]*net.UDPAddr, len(r.addrs))
	copy(addrs, r.addrs)
	return addrs
}

// Pick returns a random cached address of the requested family, or nil.
func (r *Routers) Pick(ipv6 bool) *net.UDPAddr {
	addrs := r.Addrs()
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	for _, a := range addrs {
		if IsIPv6(a.IP) == ipv6 {
			return a
		}
	}
	return nil
}
