package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-rerun/bridge"
	"github.com/ethereum-optimism/infra/op-rerun/metrics"
)

// AdminNamespace is the RPC namespace the admin API is registered under
const AdminNamespace = "admin"

// RPCConfig configures the RPC listener
type RPCConfig struct {
	ListenAddr     string
	ListenPort     int
	AllowedOrigins []string
}

// RPCServer serves the project endpoints of a hub for out-of-process workers
// and, optionally, the admin API.
//
//	/rpc, /rpc/{project}  HTTP JSON-RPC
//	/ws,  /ws/{project}   WebSocket JSON-RPC
//	/admin, /admin/ws     admin API
type RPCServer struct {
	log    log.Logger
	config RPCConfig
	admin  *rpc.Server
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewRPCServer mounts hub on a router. A nil admin disables the admin API.
func NewRPCServer(cfg RPCConfig, hub *bridge.Hub, admin any, logger log.Logger) (*RPCServer, error) {
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if logger == nil {
		logger = log.New()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &RPCServer{
		log:    logger.New("component", "rpc"),
		config: cfg,
	}

	r := mux.NewRouter()
	if admin != nil {
		s.admin = rpc.NewServer()
		if err := s.admin.RegisterName(AdminNamespace, admin); err != nil {
			s.admin.Stop()
			return nil, fmt.Errorf("failed to register admin api: %w", err)
		}
		r.Handle("/admin", s.admin)
		r.Handle("/admin/ws", s.admin.WebsocketHandler(cfg.AllowedOrigins))
	}
	hub.Routes(r, cfg.AllowedOrigins)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.server = &http.Server{Handler: c.Handler(r)}
	return s, nil
}

// Handler returns the routed handler, for serving without a listener
func (s *RPCServer) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background
func (s *RPCServer) Start() error {
	addr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.ListenPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server failed", "err", err)
			metrics.RecordErrorDetails("rpc_server", err)
		}
	}()
	s.log.Info("Started RPC server", "endpoint", s.Endpoint())
	return nil
}

// Endpoint returns the bound HTTP address, or an empty string before Start
func (s *RPCServer) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Stop shuts the listener down and stops the admin API
func (s *RPCServer) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if s.admin != nil {
		s.admin.Stop()
	}
	return err
}
