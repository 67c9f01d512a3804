// Package ipc exposes a running daemon's surface API over the session's
// Unix domain socket, so out-of-process surfaces and planoractl can read
// synchronized state and dispatch mutations without embedding the core.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/planora/realtime/internal/state"
	"github.com/planora/realtime/internal/surface"
	"go.uber.org/zap"
)

// StatusResponse describes the daemon's current condition.
type StatusResponse struct {
	Session           string `json:"session"`
	Status            string `json:"status"`
	UptimeMS          int64  `json:"uptimeMs"`
	UnreadCount       int    `json:"unreadCount"`
	NotificationCount int    `json:"notificationCount"`
	Applied           uint64 `json:"applied"`
	DuplicateDrops    uint64 `json:"duplicateDrops"`
	StaleDrops        uint64 `json:"staleDrops"`
	MalformedEvents   uint64 `json:"malformedEvents"`
}

// ChangeFrame is one bus event streamed to a watching client.
type ChangeFrame struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the surface API on the session's control socket.
type Server struct {
	api         *surface.API
	sessionName string
	startedAt   time.Time
	socketPath  string
	listener    net.Listener
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewServer binds the session's Unix domain socket. A stale socket file
// from an unclean shutdown is removed first; the session lock guarantees
// no live daemon owns it.
func NewServer(sessionName, socketPath string, api *surface.API, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		api:         api,
		sessionName: sessionName,
		startedAt:   time.Now(),
		socketPath:  socketPath,
		listener:    listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)
	mux.HandleFunc("POST /v1/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("DELETE /v1/notifications/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/notifications/clear", s.handleClearAll)
	mux.HandleFunc("POST /v1/resync", s.handleResync)
	mux.HandleFunc("GET /v1/watch", s.handleWatch)
	s.httpServer = &http.Server{Handler: mux}

	return s, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.api.Snapshot()
	stats := s.api.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{
		Session:           s.sessionName,
		Status:            string(s.api.ConnectionStatus()),
		UptimeMS:          time.Since(s.startedAt).Milliseconds(),
		UnreadCount:       snap.UnreadCount,
		NotificationCount: len(snap.Notifications),
		Applied:           stats.Applied,
		DuplicateDrops:    stats.DuplicateDrops,
		StaleDrops:        stats.StaleDrops,
		MalformedEvents:   stats.MalformedEvents,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	ns := s.api.Notifications()
	if ns == nil {
		ns = []state.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": ns})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.api.MarkAsRead(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Delete(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAll(w http.ResponseWriter, _ *http.Request) {
	if err := s.api.ClearAll(); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Resync(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatch upgrades to a websocket and streams bus events matching the
// requested prefix (default "state.") until the client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "state."
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch, unsub := s.api.Watch(prefix, 64)
	defer unsub()

	// Drain client control frames so pings and close are handled.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-ch:
			frame := ChangeFrame{Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli()}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
