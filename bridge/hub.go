package bridge

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"

	"github.com/ethereum-optimism/infra/op-rerun/reporting"
	"github.com/ethereum-optimism/infra/op-rerun/state"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	"github.com/ethereum-optimism/infra/op-rerun/workspace"
)

// Hub owns one RPC server per project, all sharing a dispatcher
type Hub struct {
	log        log.Logger
	state      *state.Manager
	reporter   reporting.Reporter
	canceller  Canceller
	dispatcher *Dispatcher
	cancelFeed event.FeedOf[types.CancelReason]

	mu      sync.RWMutex
	servers map[string]*rpc.Server
	closed  bool
}

// NewHub creates an empty hub
func NewHub(st *state.Manager, reporter reporting.Reporter, canceller Canceller, logger log.Logger) *Hub {
	if logger == nil {
		logger = log.New()
	}
	return &Hub{
		log:        logger.New("component", "bridge"),
		state:      st,
		reporter:   reporter,
		canceller:  canceller,
		dispatcher: NewDispatcher(0),
		servers:    make(map[string]*rpc.Server),
	}
}

// Dispatcher returns the dispatcher shared by every project endpoint
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Register creates the endpoint of a project. Registering the same project
// twice returns the existing server.
func (h *Hub) Register(project *workspace.Project) (*rpc.Server, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDispatcherClosed
	}
	if srv, ok := h.servers[project.Name()]; ok {
		return srv, nil
	}
	srv := rpc.NewServer()
	api := NewRuntimeAPI(project, h.state, h.reporter, h.canceller, h.dispatcher, h.log)
	api.cancelFeed = &h.cancelFeed
	if err := srv.RegisterName(Namespace, api); err != nil {
		srv.Stop()
		return nil, fmt.Errorf("failed to register runtime api for project %q: %w", project.Name(), err)
	}
	h.servers[project.Name()] = srv
	h.log.Debug("Registered project endpoint", "project", project.Name())
	return srv, nil
}

// NotifyCancel sends reason to every worker subscribed to cancellations. It
// returns the number of subscribers reached.
func (h *Hub) NotifyCancel(reason types.CancelReason) int {
	return h.cancelFeed.Send(reason)
}

// Server returns the endpoint of a registered project
func (h *Hub) Server(project string) (*rpc.Server, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	srv, ok := h.servers[project]
	return srv, ok
}

// DialInProc connects an in-process worker to a project endpoint
func (h *Hub) DialInProc(project string) (*Client, error) {
	srv, ok := h.Server(project)
	if !ok {
		return nil, fmt.Errorf("no endpoint for project %q", project)
	}
	return NewClient(rpc.DialInProc(srv)), nil
}

// Routes mounts the project endpoints on r. /rpc/{project} serves HTTP and
// /ws/{project} serves WebSocket; the bare paths address the unnamed core
// project.
func (h *Hub) Routes(r *mux.Router, allowedOrigins []string) {
	httpHandler := func(w http.ResponseWriter, req *http.Request) {
		srv, ok := h.Server(mux.Vars(req)["project"])
		if !ok {
			http.Error(w, "unknown project", http.StatusNotFound)
			return
		}
		srv.ServeHTTP(w, req)
	}
	wsHandler := func(w http.ResponseWriter, req *http.Request) {
		srv, ok := h.Server(mux.Vars(req)["project"])
		if !ok {
			http.Error(w, "unknown project", http.StatusNotFound)
			return
		}
		srv.WebsocketHandler(allowedOrigins).ServeHTTP(w, req)
	}
	r.HandleFunc("/rpc", httpHandler)
	r.HandleFunc("/rpc/{project}", httpHandler)
	r.HandleFunc("/ws", wsHandler)
	r.HandleFunc("/ws/{project}", wsHandler)
}

// Close stops every endpoint and the dispatcher
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	servers := h.servers
	h.servers = make(map[string]*rpc.Server)
	h.mu.Unlock()

	for _, srv := range servers {
		srv.Stop()
	}
	h.dispatcher.Close()
}
