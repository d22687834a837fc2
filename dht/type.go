package dht

import "net"

// Type is the address family served by a DHT instance.
type Type int

// Address families. There is exactly one DHT instance per family.
const (
	IPv4 Type = iota
	IPv6
)

// Types lists all families in the order instances are started.
var Types = []Type{IPv4, IPv6}

func (t Type) String() string {
	if t == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// IPv6 returns true for the IPv6 family.
func (t Type) IPv6() bool {
	return t == IPv6
}

// Other returns the opposite family.
func (t Type) Other() Type {
	if t == IPv6 {
		return IPv4
	}
	return IPv6
}

// Matches returns true if ip belongs to the family.
func (t Type) Matches(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return (ip.To4() == nil) == t.IPv6()
}
