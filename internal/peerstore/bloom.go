package peerstore

import (
	"crypto/sha1" // nolint: gosec
	"math"
	"math/bits"
	"net"
)

// Scrape filter dimensions from BEP 33.
const (
	bloomBits   = 2048
	bloomBytes  = bloomBits / 8
	bloomHashes = 2
)

// ScrapeFilter is a bloom filter over peer IP addresses.
type ScrapeFilter [bloomBytes]byte

// Insert adds ip to the filter.
func (f *ScrapeFilter) Insert(ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	h := sha1.Sum(ip) // nolint: gosec
	i1 := (int(h[0]) | int(h[1])<<8) % bloomBits
	i2 := (int(h[2]) | int(h[3])<<8) % bloomBits
	f[i1/8] |= 1 << (i1 % 8)
	f[i2/8] |= 1 << (i2 % 8)
}

// Size estimates the number of distinct addresses inserted.
func (f *ScrapeFilter) Size() int {
	set := 0
	for _, b := range f {
		set += bits.OnesCount8(b)
	}
	c := float64(bloomBits - set)
	if c == 0 {
		c = 1
	}
	m := float64(bloomBits)
	return int(math.Round(math.Log(c/m) / (bloomHashes * math.Log(1-1/m))))
}

// Bytes returns the wire form of the filter.
func (f *ScrapeFilter) Bytes() []byte {
	b := make([]byte, bloomBytes)
	copy(b, f[:])
	return b
}
