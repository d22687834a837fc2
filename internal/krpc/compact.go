package krpc

import (
	"encoding/binary"
	"net"

	"github.com/cenkalti/dhtnode/internal/key"
)

// NodeInfo is a contact: node id and UDP address.
type NodeInfo struct {
	ID   key.Key
	Addr *net.UDPAddr
}

func (n NodeInfo) String() string {
	return n.ID.String() + "@" + n.Addr.String()
}

// Compact entry lengths.
const (
	compactAddr4 = 4 + 2
	compactAddr6 = 16 + 2
	compactNode4 = key.Length + compactAddr4
	compactNode6 = key.Length + compactAddr6
)

// CompactAddr encodes ip and port in the compact form used by "values" and "ip".
func CompactAddr(ip net.IP, port int) string {
	if i4 := ip.To4(); i4 != nil {
		ip = i4
	}
	b := make([]byte, len(ip)+2)
	copy(b, ip)
	binary.BigEndian.PutUint16(b[len(ip):], uint16(port))
	return string(b)
}

// ParseCompactAddr decodes an address produced by CompactAddr.
func ParseCompactAddr(s string) (net.IP, int, bool) {
	if len(s) != compactAddr4 && len(s) != compactAddr6 {
		return nil, 0, false
	}
	b := []byte(s)
	n := len(b) - 2
	ip := make(net.IP, n)
	copy(ip, b[:n])
	return ip, int(binary.BigEndian.Uint16(b[n:])), true
}

// EncodeNodes packs nodes of one address family. Nodes of the other family are skipped.
func EncodeNodes(nodes []NodeInfo, ipv6 bool) string {
	size := compactNode4
	if ipv6 {
		size = compactNode6
	}
	b := make([]byte, 0, len(nodes)*size)
	for _, n := range nodes {
		is4 := n.Addr.IP.To4() != nil
		if is4 == ipv6 {
			continue
		}
		b = append(b, n.ID[:]...)
		b = append(b, CompactAddr(n.Addr.IP, n.Addr.Port)...)
	}
	return string(b)
}

// DecodeNodes unpacks a "nodes" or "nodes6" string. Trailing garbage is ignored.
func DecodeNodes(s string, ipv6 bool) []NodeInfo {
	size := compactNode4
	if ipv6 {
		size = compactNode6
	}
	nodes := make([]NodeInfo, 0, len(s)/size)
	for i := 0; i+size <= len(s); i += size {
		var n NodeInfo
		copy(n.ID[:], s[i:i+key.Length])
		ip, port, ok := ParseCompactAddr(s[i+key.Length : i+size])
		if !ok || port == 0 {
			continue
		}
		n.Addr = &net.UDPAddr{IP: ip, Port: port}
		nodes = append(nodes, n)
	}
	return nodes
}
