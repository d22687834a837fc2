// Package rpc sends and receives KRPC messages over UDP and keeps track of outstanding calls.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/cenkalti/dhtnode/internal/logger"
	"github.com/juju/ratelimit"
)

var (
	// ErrTimeout is passed to the response callback when the remote node does not reply in time.
	ErrTimeout = errors.New("rpc call timed out")
	// ErrRateLimited is returned when the outbound rate limit is exhausted.
	ErrRateLimited = errors.New("send rate exceeded")
	// ErrTooManyCalls is returned when the server has reached the maximum number of outstanding calls.
	ErrTooManyCalls = errors.New("too many active calls")
	// ErrClosed is returned after the server is closed.
	ErrClosed = errors.New("server closed")
)

// Servers are marked unreachable after this many timeouts without any response in between.
const maxConsecutiveTimeouts = 64

// ResponseFunc receives the reply to a query. Exactly one of resp and err is non-nil.
type ResponseFunc func(resp *krpc.Msg, err error)

// Handler processes inbound messages. Methods are called from the read loop and must not block.
type Handler interface {
	Ping(e Endpoint, m *krpc.Msg)
	FindNode(e Endpoint, m *krpc.Msg)
	GetPeers(e Endpoint, m *krpc.Msg)
	Announce(e Endpoint, m *krpc.Msg)
	Response(e Endpoint, m *krpc.Msg)
	Error(e Endpoint, m *krpc.Msg)
	Timeout(e Endpoint, q *krpc.Msg, expected key.Key)
}

// Endpoint is a bound transport that messages can be sent through.
type Endpoint interface {
	// Send writes m to m.Addr.
	Send(m *krpc.Msg) error
	// Query sends q and calls cb with the reply or ErrTimeout. cb is not called if Query returns an error.
	Query(q *krpc.Msg, expected key.Key, cb ResponseFunc) error
	// Ping sends a ping query and ignores the result.
	Ping(addr *net.UDPAddr)
	// DerivedID is the node id this endpoint uses in outgoing messages.
	DerivedID() key.Key
	IPv6() bool
	// PublicAddr returns the address reported by remote nodes, or nil.
	PublicAddr() *net.UDPAddr
	NumActiveCalls() int
	Active() bool
	Stats() Stats
	String() string
}

// Stats of a Server.
type Stats struct {
	Sent        int64
	Received    int64
	Timeouts    int64
	Dropped     int64
	ActiveCalls int
}

// ServerConfig contains limits of a single Server.
type ServerConfig struct {
	CallTimeout    time.Duration
	MaxActiveCalls int
	// Outbound packets per second. Zero disables the limit.
	SendRate  float64
	SendBurst int64
}

// DefaultServerConfig for Server.
var DefaultServerConfig = ServerConfig{
	CallTimeout:    10 * time.Second,
	MaxActiveCalls: 256,
	SendRate:       1000,
	SendBurst:      100,
}

type call struct {
	q        *krpc.Msg
	expected key.Key
	cb       ResponseFunc
	timer    *clock.Timer
}

// Server is one UDP socket with its own derived node id.
type Server struct {
	conn    net.PacketConn
	id      key.Key
	ipv6    bool
	handler Handler
	config  ServerConfig
	clock   clock.Clock
	bucket  *ratelimit.Bucket
	log     logger.Logger

	mCalls sync.Mutex
	calls  map[string]*call
	tid    uint16

	numSent             atomic.Int64
	numReceived         atomic.Int64
	numTimeouts         atomic.Int64
	numDropped          atomic.Int64
	consecutiveTimeouts atomic.Int32
	publicAddr          atomic.Pointer[net.UDPAddr]

	// Address reported by a single remote IP, waiting for confirmation by another one.
	mReported    sync.Mutex
	reported     *net.UDPAddr
	reportedFrom string

	started   atomic.Bool
	closeC    chan struct{}
	doneC     chan struct{}
	closeOnce sync.Once
}

var _ Endpoint = (*Server)(nil)

// NewServer returns a Server reading from conn. Call Start to begin processing datagrams.
func NewServer(conn net.PacketConn, id key.Key, h Handler, cfg ServerConfig, clk clock.Clock) *Server {
	s := &Server{
		conn:    conn,
		id:      id,
		handler: h,
		config:  cfg,
		clock:   clk,
		log:     logger.New("rpc server " + conn.LocalAddr().String()),
		calls:   make(map[string]*call),
		closeC:  make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.ipv6 = ua.IP.To4() == nil
	}
	if cfg.SendRate > 0 {
		s.bucket = ratelimit.NewBucketWithRateAndClock(cfg.SendRate, cfg.SendBurst, clk)
	}
	return s
}

// Start the read loop.
func (s *Server) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.readLoop()
	}
}

// Close the socket and fail all outstanding calls silently.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
		_ = s.conn.Close()
	})
	if s.started.Load() {
		<-s.doneC
	}
	s.mCalls.Lock()
	for tid, c := range s.calls {
		c.timer.Stop()
		delete(s.calls, tid)
	}
	s.mCalls.Unlock()
}

// Closed returns true after Close is called or the read loop has exited.
func (s *Server) Closed() bool {
	select {
	case <-s.closeC:
		return true
	case <-s.doneC:
		return true
	default:
		return false
	}
}

func (s *Server) DerivedID() key.Key {
	return s.id
}

func (s *Server) IPv6() bool {
	return s.ipv6
}

func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) PublicAddr() *net.UDPAddr {
	return s.publicAddr.Load()
}

func (s *Server) NumActiveCalls() int {
	s.mCalls.Lock()
	defer s.mCalls.Unlock()
	return len(s.calls)
}

// Active returns true if the socket is open and remote nodes still answer.
func (s *Server) Active() bool {
	return !s.Closed() && s.consecutiveTimeouts.Load() < maxConsecutiveTimeouts
}

func (s *Server) Stats() Stats {
	return Stats{
		Sent:        s.numSent.Load(),
		Received:    s.numReceived.Load(),
		Timeouts:    s.numTimeouts.Load(),
		Dropped:     s.numDropped.Load(),
		ActiveCalls: s.NumActiveCalls(),
	}
}

func (s *Server) String() string {
	st := s.Stats()
	return fmt.Sprintf("%s id: %s public: %v active: %v sent: %d received: %d timeouts: %d dropped: %d calls: %d\n",
		s.conn.LocalAddr(), s.id, s.PublicAddr(), s.Active(), st.Sent, st.Received, st.Timeouts, st.Dropped, st.ActiveCalls)
}

func (s *Server) readLoop() {
	defer close(s.doneC)
	buf := make([]byte, krpc.MaxPacketSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closeC:
			default:
				s.log.Error(err)
			}
			return
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.numReceived.Add(1)
		m, err := krpc.Decode(buf[:n], ua)
		if err != nil {
			s.log.Debugln("cannot decode message from", ua, ":", err)
			continue
		}
		s.dispatch(m)
	}
}

func (s *Server) dispatch(m *krpc.Msg) {
	switch m.Y {
	case krpc.TypeQuery:
		switch m.Q {
		case krpc.Ping:
			s.handler.Ping(s, m)
		case krpc.FindNode:
			s.handler.FindNode(s, m)
		case krpc.GetPeers:
			s.handler.GetPeers(s, m)
		case krpc.AnnouncePeer:
			s.handler.Announce(s, m)
		default:
			_ = s.Send(krpc.NewError(m, krpc.ErrorMethodUnknown, "Method Unknown"))
		}
	case krpc.TypeResponse:
		c := s.takeCall(m)
		if c == nil {
			s.log.Debugln("unexpected response from", m.Addr)
			return
		}
		s.consecutiveTimeouts.Store(0)
		if ip, port, ok := krpc.ParseCompactAddr(m.IP); ok {
			s.reportAddr(&net.UDPAddr{IP: ip, Port: port}, m.Addr.IP)
		}
		s.handler.Response(s, m)
		if c.cb != nil {
			c.cb(m, nil)
		}
	case krpc.TypeError:
		c := s.takeCall(m)
		s.handler.Error(s, m)
		if c != nil && c.cb != nil {
			e := m.E
			c.cb(nil, &e)
		}
	}
}

// reportAddr records our address as seen by the node at from.
// The public address changes only when two different remote IPs report the same value.
func (s *Server) reportAddr(addr *net.UDPAddr, from net.IP) {
	a, f := addr.String(), from.String()
	s.mReported.Lock()
	defer s.mReported.Unlock()
	if cur := s.publicAddr.Load(); cur != nil && cur.String() == a {
		s.reported = nil
		return
	}
	if s.reported == nil || s.reported.String() != a {
		s.reported = addr
		s.reportedFrom = f
		return
	}
	if s.reportedFrom == f {
		return
	}
	s.log.Debugln("public address is", a)
	s.publicAddr.Store(addr)
	s.reported = nil
}

// takeCall removes and returns the outstanding call matching the transaction id and origin of m.
func (s *Server) takeCall(m *krpc.Msg) *call {
	s.mCalls.Lock()
	defer s.mCalls.Unlock()
	c, ok := s.calls[m.T]
	if !ok || !c.q.Addr.IP.Equal(m.Addr.IP) || c.q.Addr.Port != m.Addr.Port {
		return nil
	}
	delete(s.calls, m.T)
	c.timer.Stop()
	return c
}

func (s *Server) Send(m *krpc.Msg) error {
	select {
	case <-s.closeC:
		return ErrClosed
	default:
	}
	b, err := krpc.Encode(m)
	if err != nil {
		return err
	}
	if s.bucket != nil && s.bucket.TakeAvailable(1) == 0 {
		s.numDropped.Add(1)
		return ErrRateLimited
	}
	_, err = s.conn.WriteTo(b, m.Addr)
	if err != nil {
		return err
	}
	s.numSent.Add(1)
	return nil
}

func (s *Server) Query(q *krpc.Msg, expected key.Key, cb ResponseFunc) error {
	q.A.ID = s.id.Binary()

	s.mCalls.Lock()
	if len(s.calls) >= s.config.MaxActiveCalls {
		s.mCalls.Unlock()
		return ErrTooManyCalls
	}
	q.T = s.nextTID()
	c := &call{q: q, expected: expected, cb: cb}
	tid := q.T
	c.timer = s.clock.AfterFunc(s.config.CallTimeout, func() { s.timeoutCall(tid, c) })
	s.calls[tid] = c
	s.mCalls.Unlock()

	if err := s.Send(q); err != nil {
		s.mCalls.Lock()
		if s.calls[tid] == c {
			delete(s.calls, tid)
			c.timer.Stop()
		}
		s.mCalls.Unlock()
		return err
	}
	return nil
}

// nextTID must be called with mCalls held.
func (s *Server) nextTID() string {
	for {
		s.tid++
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], s.tid)
		if _, ok := s.calls[string(b[:])]; !ok {
			return string(b[:])
		}
	}
}

func (s *Server) timeoutCall(tid string, c *call) {
	s.mCalls.Lock()
	if s.calls[tid] != c {
		s.mCalls.Unlock()
		return
	}
	delete(s.calls, tid)
	s.mCalls.Unlock()

	s.numTimeouts.Add(1)
	s.consecutiveTimeouts.Add(1)
	s.handler.Timeout(s, c.q, c.expected)
	if c.cb != nil {
		c.cb(nil, ErrTimeout)
	}
}

func (s *Server) Ping(addr *net.UDPAddr) {
	err := s.Query(krpc.NewQuery(krpc.Ping, krpc.Args{}, addr), key.Zero, nil)
	if err != nil {
		s.log.Debugln("cannot ping", addr, ":", err)
	}
}
