package rpc

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	reply bool

	m        sync.Mutex
	queries  []*krpc.Msg
	resps    []*krpc.Msg
	errs     []*krpc.Msg
	timeouts []*krpc.Msg
}

func (h *recordingHandler) query(e Endpoint, m *krpc.Msg) {
	h.m.Lock()
	h.queries = append(h.queries, m)
	h.m.Unlock()
	if h.reply {
		_ = e.Send(krpc.NewResponse(m, krpc.Return{ID: e.DerivedID().Binary()}))
	}
}

func (h *recordingHandler) Ping(e Endpoint, m *krpc.Msg)     { h.query(e, m) }
func (h *recordingHandler) FindNode(e Endpoint, m *krpc.Msg) { h.query(e, m) }
func (h *recordingHandler) GetPeers(e Endpoint, m *krpc.Msg) { h.query(e, m) }
func (h *recordingHandler) Announce(e Endpoint, m *krpc.Msg) { h.query(e, m) }

func (h *recordingHandler) Response(e Endpoint, m *krpc.Msg) {
	h.m.Lock()
	h.resps = append(h.resps, m)
	h.m.Unlock()
}

func (h *recordingHandler) Error(e Endpoint, m *krpc.Msg) {
	h.m.Lock()
	h.errs = append(h.errs, m)
	h.m.Unlock()
}

func (h *recordingHandler) Timeout(e Endpoint, q *krpc.Msg, expected key.Key) {
	h.m.Lock()
	h.timeouts = append(h.timeouts, q)
	h.m.Unlock()
}

func (h *recordingHandler) counts() (int, int, int, int) {
	h.m.Lock()
	defer h.m.Unlock()
	return len(h.queries), len(h.resps), len(h.errs), len(h.timeouts)
}

func newTestServer(t *testing.T, h Handler, clk clock.Clock) *Server {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(conn, key.Random(), h, DefaultServerConfig, clk)
	s.Start()
	return s
}

func udpAddr(s *Server) *net.UDPAddr {
	return s.LocalAddr().(*net.UDPAddr)
}

func TestQueryResponse(t *testing.T) {
	defer leaktest.Check(t)()

	ha, hb := &recordingHandler{}, &recordingHandler{reply: true}
	a := newTestServer(t, ha, clock.New())
	defer a.Close()
	b := newTestServer(t, hb, clock.New())
	defer b.Close()
	require.False(t, a.IPv6())

	done := make(chan *krpc.Msg, 1)
	err := a.Query(krpc.NewQuery(krpc.Ping, krpc.Args{}, udpAddr(b)), b.DerivedID(), func(resp *krpc.Msg, err error) {
		done <- resp
	})
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		id, ok := resp.SenderID()
		require.True(t, ok)
		require.Equal(t, b.DerivedID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}

	q, _, _, _ := hb.counts()
	require.Equal(t, 1, q)
	_, r, _, _ := ha.counts()
	require.Equal(t, 1, r)
	require.Equal(t, 0, a.NumActiveCalls())
	// a single node is not enough to learn our address
	require.Nil(t, a.PublicAddr())

	st := a.Stats()
	require.Equal(t, int64(1), st.Sent)
	require.Equal(t, int64(1), st.Received)
}

func TestQueryTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	clk := clock.NewMock()
	ha, hb := &recordingHandler{}, &recordingHandler{}
	a := newTestServer(t, ha, clk)
	defer a.Close()
	b := newTestServer(t, hb, clock.New())
	defer b.Close()

	done := make(chan error, 1)
	err := a.Query(krpc.NewQuery(krpc.Ping, krpc.Args{}, udpAddr(b)), b.DerivedID(), func(resp *krpc.Msg, err error) {
		done <- err
	})
	require.NoError(t, err)
	require.Equal(t, 1, a.NumActiveCalls())

	require.Eventually(t, func() bool { q, _, _, _ := hb.counts(); return q == 1 }, 5*time.Second, 10*time.Millisecond)
	clk.Add(DefaultServerConfig.CallTimeout)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("no timeout")
	}
	_, _, _, to := ha.counts()
	require.Equal(t, 1, to)
	require.Equal(t, 0, a.NumActiveCalls())
	require.Equal(t, int64(1), a.Stats().Timeouts)
}

func TestUnknownMethod(t *testing.T) {
	defer leaktest.Check(t)()

	ha, hb := &recordingHandler{}, &recordingHandler{}
	a := newTestServer(t, ha, clock.New())
	defer a.Close()
	b := newTestServer(t, hb, clock.New())
	defer b.Close()

	done := make(chan error, 1)
	err := a.Query(krpc.NewQuery("vote", krpc.Args{}, udpAddr(b)), key.Zero, func(resp *krpc.Msg, err error) {
		done <- err
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		var kerr *krpc.Error
		require.True(t, errors.As(err, &kerr))
		require.Equal(t, krpc.ErrorMethodUnknown, kerr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reply")
	}
	_, _, e, _ := ha.counts()
	require.Equal(t, 1, e)
}

func TestMaxActiveCalls(t *testing.T) {
	defer leaktest.Check(t)()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := DefaultServerConfig
	cfg.MaxActiveCalls = 1
	s := NewServer(conn, key.Random(), &recordingHandler{}, cfg, clock.NewMock())
	s.Start()
	defer s.Close()

	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	require.NoError(t, s.Query(krpc.NewQuery(krpc.Ping, krpc.Args{}, to), key.Zero, nil))
	require.ErrorIs(t, s.Query(krpc.NewQuery(krpc.Ping, krpc.Args{}, to), key.Zero, nil), ErrTooManyCalls)
}

func TestManager(t *testing.T) {
	defer leaktest.Check(t)()

	clk := clock.NewMock()
	root := key.Random()
	m := NewManager(ManagerConfig{BindAddresses: []string{"127.0.0.1"}, Server: DefaultServerConfig}, root, &recordingHandler{}, clk)
	require.Nil(t, m.RandomActive(true))

	m.Refresh(clk.Now())
	require.Equal(t, 1, m.Count())
	require.Equal(t, 1, m.ActiveCount())
	e := m.RandomActive(false)
	require.NotNil(t, e)
	require.Equal(t, root, e.DerivedID())
	require.Len(t, m.All(), 1)

	m.Destroy()
	require.Equal(t, 0, m.Count())
	m.Refresh(clk.Now())
	require.Equal(t, 0, m.Count())
}

func TestManagerRebindBackoff(t *testing.T) {
	defer leaktest.Check(t)()

	clk := clock.NewMock()
	m := NewManager(ManagerConfig{BindAddresses: []string{"127.0.0.1"}, Server: DefaultServerConfig}, key.Random(), &recordingHandler{}, clk)
	attempts := 0
	m.SetListen(func(network, address string) (net.PacketConn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("address in use")
		}
		return net.ListenPacket(network, address)
	})
	defer m.Destroy()

	m.Refresh(clk.Now())
	require.Equal(t, 1, attempts)
	require.Equal(t, 0, m.Count())

	m.Refresh(clk.Now())
	require.Equal(t, 1, attempts)

	clk.Add(time.Minute)
	m.Refresh(clk.Now())
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, m.Count())
}

func TestReportAddrNeedsTwoSources(t *testing.T) {
	defer leaktest.Check(t)()

	s := newTestServer(t, &recordingHandler{}, clock.New())
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 6881}
	liar := &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 1}
	s.reportAddr(addr, net.IPv4(1, 1, 1, 1))
	s.reportAddr(addr, net.IPv4(1, 1, 1, 1))
	require.Nil(t, s.PublicAddr())

	s.reportAddr(addr, net.IPv4(2, 2, 2, 2))
	require.Equal(t, addr.String(), s.PublicAddr().String())

	s.reportAddr(liar, net.IPv4(3, 3, 3, 3))
	require.Equal(t, addr.String(), s.PublicAddr().String())
	s.reportAddr(liar, net.IPv4(3, 3, 3, 3))
	require.Equal(t, addr.String(), s.PublicAddr().String())

	s.reportAddr(liar, net.IPv4(4, 4, 4, 4))
	require.Equal(t, liar.String(), s.PublicAddr().String())
}
