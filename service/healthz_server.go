package service

import (
	"context"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers liveness probes. /healthz reports 503 until the
// service was marked ready.
type HealthzServer struct {
	log    log.Logger
	mu     sync.Mutex
	server *http.Server
	ready  func() bool
}

// NewHealthzServer creates a healthz server. A nil ready func is always ready.
func NewHealthzServer(logger log.Logger, ready func() bool) *HealthzServer {
	if logger == nil {
		logger = log.New()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthzServer{log: logger, ready: ready}
}

// Handler returns the CORS wrapped healthz handler
func (h *HealthzServer) Handler() http.Handler {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(hdlr)
}

// Start serves until Shutdown is called
func (h *HealthzServer) Start(addr string) error {
	server := &http.Server{
		Handler: h.Handler(),
		Addr:    addr,
	}
	h.mu.Lock()
	h.server = server
	h.mu.Unlock()
	return server.ListenAndServe()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Trace("Received health check request", "path", r.URL.Path)
	if !h.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
