package dht

import (
	"context"
	"expvar"
	"io"
	"net"
	"net/http"
	"net/rpc"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/dhtnode/internal/logger"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

type rpcServer struct {
	rpcServer  *rpc.Server
	httpServer http.Server
	log        logger.Logger
}

func newRPCServer(r *Registry) *rpcServer {
	h := &rpcHandler{registry: r}
	srv := rpc.NewServer()
	_ = srv.RegisterName("DHT", h)

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/diagnostics", h.serveDiagnostics)
	mux.Handle("/", jsonrpc2.HTTPHandler(srv))

	return &rpcServer{
		rpcServer: srv,
		httpServer: http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.New("control rpc"),
	}
}

// serveDiagnostics writes the diagnostics report as plain text.
// The family is selected with the "family" query parameter; without it both instances are written.
func (h *rpcHandler) serveDiagnostics(w http.ResponseWriter, r *http.Request) {
	families := []string{"ipv4", "ipv6"}
	if f := r.URL.Query().Get("family"); f != "" {
		families = []string{f}
	}
	var reports []string
	for _, f := range families {
		d, err := h.instance(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reports = append(reports, d.Diagnostics())
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, strings.Join(reports, "\n"))
}

func (s *rpcServer) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.log.Infoln("RPC server is listening on", listener.Addr().String())

	go func() {
		err := s.httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			return
		}
		s.log.Errorln("rpc server stopped:", err)
	}()

	return nil
}

func (s *rpcServer) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
