// Package harvest serves the requester channel: a websocket on which callers
// submit captcha requests and receive exactly one answer per request.
package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/captchaharvester/internal/config"
	"github.com/codefionn/captchaharvester/internal/logger"
	"github.com/codefionn/captchaharvester/internal/metrics"
	"github.com/codefionn/captchaharvester/internal/session"
	"github.com/codefionn/captchaharvester/internal/surface"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Presenter shows sessions to the human
type Presenter interface {
	Present(ctx context.Context, req session.ChallengeRequest) (surface.Handle, error)
	Abandon(id string)
}

// Server is the harvest websocket server
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	presenter Presenter
	hub       *Hub
	router    *httprouter.Router
	upgrader  websocket.Upgrader
	log       *logger.Logger
	started   time.Time
}

// NewServer creates a harvest server
func NewServer(cfg *config.Config, registry *session.Registry, presenter Presenter) *Server {
	log := logger.Global().WithPrefix("harvest")
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		presenter: presenter,
		hub:       NewHub(log),
		router:    httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // requesters are local tools and extensions
			},
		},
		log:     log,
		started: time.Now(),
	}

	metrics.TrackActiveSessions(registry.Len)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleWebSocket)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/sessions", s.handleSessions)
	s.router.Handler(http.MethodGet, "/metrics", metrics.Handler())
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe listens on the configured harvest address and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HarvestAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HarvestAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Open connections are
// closed after their queued frames have been written.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run()
	defer s.hub.Stop()

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Harvest server listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("harvest server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown harvest server: %w", err)
	}
	s.log.Info("Harvest server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := newClient(s, conn)
	if !s.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	s.log.Debug("Requester %s connected from %s", client.ID, r.RemoteAddr)

	// the request context ends when the handler returns
	ctx := context.WithoutCancel(r.Context())
	go client.WritePump()
	go client.ReadPump(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"sessions":    s.registry.Len(),
		"connections": s.hub.ClientCount(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"time":        time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sessions := s.registry.Snapshot()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, sessions)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
