// Package admin implements the STOQ operational harness's admin surface
// (C12): a read-only HTTP+WebSocket introspection endpoint over active
// connections, tiers, and metrics, mirroring the teacher's gorilla/mux
// RestAgent plus gorilla/websocket WebsocketAgent pattern. It never
// carries application data-plane traffic.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/adaptive"
	"github.com/stoq-io/stoq/pkg/metrics"
)

// ConnectionSnapshot is one connection's read-only admin view.
type ConnectionSnapshot struct {
	ID     uint64                        `json:"id"`
	Tier   adaptive.Tier                 `json:"tier"`
	Params adaptive.ConnectionParameters `json:"params"`
}

// StateProvider supplies the live data admin handlers render. The
// transport facade and adaptive controller implement this indirectly via
// a small adapter at the CLI layer, keeping pkg/transport free of an
// admin-package import.
type StateProvider interface {
	Connections() []ConnectionSnapshot
}

// Server is the admin HTTP+WebSocket surface.
type Server struct {
	router   *mux.Router
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	state    StateProvider
	mem      *metrics.Memory
	logger   *log.Entry

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
}

// New constructs an admin server bound to addr. Call Serve to start it.
func New(addr string, state StateProvider, mem *metrics.Memory, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	r := mux.NewRouter()
	s := &Server{
		router:   r,
		upgrader: websocket.Upgrader{},
		state:    state,
		mem:      mem,
		logger:   logger,
		sockets:  make(map[*websocket.Conn]struct{}),
	}

	r.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Serve starts the HTTP listener in the background. It returns once the
// listener is bound, or immediately with an error if binding fails.
func (s *Server) Serve() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if err := json.NewEncoder(w).Encode(s.state.Connections()); err != nil {
		s.logger.WithError(err).Warn("failed to write connections response")
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		json.NewEncoder(w).Encode(map[string]any{})
		return
	}
	payload := map[string]any{
		"counters": s.mem.Counters(),
		"gauges":   s.mem.Gauges(),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Warn("failed to write metrics response")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("admin websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// Admin sockets are push-only (tier/connection events); drain and
	// discard anything a client sends so the connection doesn't stall.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes an event to every connected admin WebSocket client.
func (s *Server) Broadcast(event string, payload any) {
	msg, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		s.logger.WithError(err).Warn("failed to marshal admin event")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.sockets {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.WithError(err).Debug("failed to push admin event, dropping client")
			_ = conn.Close()
			delete(s.sockets, conn)
		}
	}
}

// Close shuts down the HTTP listener and every open admin socket.
func (s *Server) Close() error {
	s.mu.Lock()
	for conn := range s.sockets {
		_ = conn.Close()
	}
	s.sockets = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	return s.httpSrv.Close()
}
