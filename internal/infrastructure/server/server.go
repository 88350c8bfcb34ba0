// Package server exposes the admin HTTP surface: recovery trigger, health,
// gate status, and the live event WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
	"exec_agent/pkg/liveserver"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const adminKeyHeader = "X-Admin-Key"

// AdminServer serves the operator endpoints. Mutating endpoints require the
// configured admin key; read-only endpoints are open to the pod network.
type AdminServer struct {
	cfg      config.ServerConfig
	gate     core.ISafetyGate
	recovery core.IRecovery
	health   core.IHealthMonitor
	hub      *liveserver.Hub
	logger   core.ILogger

	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewAdminServer wires the admin surface. hub may be nil to disable /ws.
func NewAdminServer(cfg config.ServerConfig, gate core.ISafetyGate, recovery core.IRecovery, health core.IHealthMonitor, hub *liveserver.Hub, logger core.ILogger) *AdminServer {
	s := &AdminServer{
		cfg:      cfg,
		gate:     gate,
		recovery: recovery,
		health:   health,
		hub:      hub,
		logger:   logger.WithField("component", "admin_server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the route table. Split from Start for tests.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/recover", s.requireAdmin(s.handleRecover))
	mux.HandleFunc("/orders/recover/status", s.requireAdmin(s.handleRecoverStatus))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.handleWS)
	}
	return mux
}

// Start launches the listener in the background.
func (s *AdminServer) Start() {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("Starting admin server", "port", s.cfg.Port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests.
func (s *AdminServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping admin server")
	return s.srv.Shutdown(ctx)
}

// requireAdmin rejects requests without the configured key. An empty
// configured key disables the mutating endpoints entirely rather than
// leaving them open.
func (s *AdminServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			http.Error(w, "admin endpoints disabled: no admin key configured", http.StatusForbidden)
			return
		}
		if r.Header.Get(adminKeyHeader) != string(s.cfg.AdminKey) {
			s.logger.Warn("Admin request with bad key", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// handleRecover runs one recovery pass. With ?tenant_id= the pass covers
// that tenant regardless of shard assignment; without it the replica sweeps
// its own shard.
func (s *AdminServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		summary core.RecoverySummary
		err     error
	)
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		summary, err = s.recovery.RunTenant(r.Context(), tenantID)
	} else {
		summary, err = s.recovery.RunAll(r.Context())
	}
	if err != nil {
		s.logger.Error("Recovery trigger failed", "error", err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *AdminServer) handleRecoverStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.GetStatus())
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
	}

	code := http.StatusOK
	if s.health != nil {
		health["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, health)
}

// handleStatus reports the gate snapshot. The snapshot carries booleans
// about secrets, never the secrets themselves.
func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Snapshot())
}

func (s *AdminServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxWSConnections > 0 && s.hub.ClientCount() >= s.cfg.MaxWSConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err.Error())
		return
	}

	client := liveserver.NewClient(uuid.NewString())
	s.hub.Register(client)

	go s.writePump(conn, client)
	go s.readPump(conn, client)
}

// writePump drains the client's send channel onto the wire.
func (s *AdminServer) writePump(conn *websocket.Conn, client *liveserver.Client) {
	defer conn.Close()
	for msg := range client.GetSendChan() {
		if err := conn.WriteJSON(msg); err != nil {
			s.hub.Unregister(client)
			return
		}
	}
}

// readPump discards inbound frames; the socket is broadcast-only. It exists
// to notice the peer going away.
func (s *AdminServer) readPump(conn *websocket.Conn, client *liveserver.Client) {
	defer func() {
		s.hub.Unregister(client)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *AdminServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
