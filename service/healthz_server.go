package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers /healthz with OK once the tester has started and
// 503 after it has stopped.
type HealthzServer struct {
	log      log.Logger
	server   *http.Server
	listener net.Listener
	ready    atomic.Bool
}

func NewHealthzServer(logger log.Logger) *HealthzServer {
	return &HealthzServer{log: logger}
}

// Start binds addr and serves in the background.
func (h *HealthzServer) Start(addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.listener = listener
	h.server = &http.Server{
		Handler: c.Handler(hdlr),
	}
	h.ready.Store(true)
	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("healthz server stopped", "err", err)
		}
	}()
	return nil
}

// Addr is the bound address, useful when started on port 0.
func (h *HealthzServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.ready.Store(false)
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	if !h.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
