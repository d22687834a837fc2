// Package krpc implements the message model of the BitTorrent DHT protocol (BEP 5).
package krpc

import (
	"errors"
	"net"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/zeebo/bencode"
)

// Message types.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Method is the name of a query.
type Method string

// Supported query methods.
const (
	Ping         Method = "ping"
	FindNode     Method = "find_node"
	GetPeers     Method = "get_peers"
	AnnouncePeer Method = "announce_peer"
)

// Error codes.
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// MaxPacketSize is the largest datagram read from the wire.
const MaxPacketSize = 4096

var (
	errUnknownType = errors.New("unknown message type")
	errMissingTID  = errors.New("missing transaction id")
	errBadError    = errors.New("malformed error list")
)

// Args holds the arguments of a query.
type Args struct {
	ID          string   `bencode:"id"`
	Target      string   `bencode:"target,omitempty"`
	InfoHash    string   `bencode:"info_hash,omitempty"`
	Token       string   `bencode:"token,omitempty"`
	Port        int      `bencode:"port,omitempty"`
	ImpliedPort int      `bencode:"implied_port,omitempty"`
	Want        []string `bencode:"want,omitempty"`
	NoSeed      int      `bencode:"noseed,omitempty"`
	Scrape      int      `bencode:"scrape,omitempty"`
	Seed        int      `bencode:"seed,omitempty"`
}

// Return holds the values of a response.
type Return struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Nodes6 string   `bencode:"nodes6,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
	BFsd   string   `bencode:"BFsd,omitempty"`
	BFpe   string   `bencode:"BFpe,omitempty"`
}

// Error is the body of an error message.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Msg is a decoded KRPC message. Only the part selected by Y is meaningful.
type Msg struct {
	T  string
	Y  string
	Q  Method
	A  Args
	R  Return
	E  Error
	IP string
	V  string

	// Addr is the origin of inbound messages and the destination of outbound messages.
	Addr *net.UDPAddr
}

type queryWire struct {
	T string `bencode:"t"`
	Y string `bencode:"y"`
	Q string `bencode:"q"`
	A Args   `bencode:"a"`
	V string `bencode:"v,omitempty"`
}

type responseWire struct {
	T  string `bencode:"t"`
	Y  string `bencode:"y"`
	R  Return `bencode:"r"`
	IP string `bencode:"ip,omitempty"`
	V  string `bencode:"v,omitempty"`
}

type errorWire struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	E []interface{} `bencode:"e"`
}

type inboundWire struct {
	T  string             `bencode:"t"`
	Y  string             `bencode:"y"`
	Q  string             `bencode:"q"`
	A  Args               `bencode:"a"`
	R  Return             `bencode:"r"`
	E  bencode.RawMessage `bencode:"e"`
	IP string             `bencode:"ip"`
	V  string             `bencode:"v"`
}

// Version is sent in the "v" field of outgoing messages.
var Version = "GD01"

// Encode marshals m for the wire.
func Encode(m *Msg) ([]byte, error) {
	switch m.Y {
	case TypeQuery:
		return bencode.EncodeBytes(queryWire{T: m.T, Y: m.Y, Q: string(m.Q), A: m.A, V: Version})
	case TypeResponse:
		return bencode.EncodeBytes(responseWire{T: m.T, Y: m.Y, R: m.R, IP: m.IP, V: Version})
	case TypeError:
		return bencode.EncodeBytes(errorWire{T: m.T, Y: m.Y, E: []interface{}{m.E.Code, m.E.Message}})
	default:
		return nil, errUnknownType
	}
}

// Decode parses a datagram received from addr.
func Decode(b []byte, addr *net.UDPAddr) (*Msg, error) {
	var w inboundWire
	if err := bencode.DecodeBytes(b, &w); err != nil {
		return nil, err
	}
	if w.T == "" {
		return nil, errMissingTID
	}
	m := &Msg{
		T:    w.T,
		Y:    w.Y,
		Q:    Method(w.Q),
		A:    w.A,
		R:    w.R,
		IP:   w.IP,
		V:    w.V,
		Addr: addr,
	}
	switch w.Y {
	case TypeQuery, TypeResponse:
	case TypeError:
		e, err := decodeError(w.E)
		if err != nil {
			return nil, err
		}
		m.E = e
	default:
		return nil, errUnknownType
	}
	return m, nil
}

func decodeError(raw bencode.RawMessage) (Error, error) {
	var l []interface{}
	if err := bencode.DecodeBytes(raw, &l); err != nil {
		return Error{}, err
	}
	if len(l) < 2 {
		return Error{}, errBadError
	}
	var e Error
	switch code := l[0].(type) {
	case int64:
		e.Code = int(code)
	case int:
		e.Code = code
	default:
		return Error{}, errBadError
	}
	switch msg := l[1].(type) {
	case string:
		e.Message = msg
	case []byte:
		e.Message = string(msg)
	}
	return e, nil
}

// NewQuery returns a query message. The transaction id is assigned when the query is sent.
func NewQuery(method Method, args Args, to *net.UDPAddr) *Msg {
	return &Msg{Y: TypeQuery, Q: method, A: args, Addr: to}
}

// NewResponse returns a response to q, addressed to its origin.
func NewResponse(q *Msg, r Return) *Msg {
	return &Msg{
		T:    q.T,
		Y:    TypeResponse,
		R:    r,
		IP:   CompactAddr(q.Addr.IP, q.Addr.Port),
		Addr: q.Addr,
	}
}

// NewError returns an error reply to q.
func NewError(q *Msg, code int, message string) *Msg {
	return &Msg{
		T:    q.T,
		Y:    TypeError,
		E:    Error{Code: code, Message: message},
		Addr: q.Addr,
	}
}

// SenderID returns the node id claimed by the sender.
func (m *Msg) SenderID() (key.Key, bool) {
	var s string
	switch m.Y {
	case TypeQuery:
		s = m.A.ID
	case TypeResponse:
		s = m.R.ID
	default:
		return key.Zero, false
	}
	id, err := key.FromString(s)
	return id, err == nil
}

// Target returns the lookup key of find_node and get_peers queries.
func (m *Msg) Target() (key.Key, bool) {
	s := m.A.Target
	if m.Q == GetPeers || m.Q == AnnouncePeer {
		s = m.A.InfoHash
	}
	k, err := key.FromString(s)
	return k, err == nil
}

// Want4 reports whether the requester wants IPv4 nodes. Without an explicit
// "want" list the family of the requester's address is assumed.
func (m *Msg) Want4() bool {
	if len(m.A.Want) == 0 {
		return m.Addr != nil && m.Addr.IP.To4() != nil
	}
	return contains(m.A.Want, "n4")
}

// Want6 reports whether the requester wants IPv6 nodes.
func (m *Msg) Want6() bool {
	if len(m.A.Want) == 0 {
		return m.Addr != nil && m.Addr.IP.To4() == nil
	}
	return contains(m.A.Want, "n6")
}

// AnnouncedPort returns the port the announcing peer listens on.
func (m *Msg) AnnouncedPort() int {
	if m.A.ImpliedPort != 0 && m.Addr != nil {
		return m.Addr.Port
	}
	return m.A.Port
}

func contains(l []string, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
