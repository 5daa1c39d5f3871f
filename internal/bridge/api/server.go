// Package api serves the bridge's HTTP surface: provider webhooks, the media
// websocket endpoint, metrics, and a small session admin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sebas/voicebridge/internal/bridge/callcontrol"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

const maxSpeakBody = 64 << 10

// Controller is the session side of the admin API.
type Controller interface {
	Registry() *session.Registry
	Draining() bool
	HangupCall(ctx context.Context, callID string) error
	Speak(ctx context.Context, callID, text string) error
}

// Handlers are the optional protocol endpoints. Nil handlers are not mounted.
type Handlers struct {
	Webhook http.Handler
	Media   http.Handler
	Metrics http.Handler
}

// Config holds the HTTP server settings.
type Config struct {
	Addr string
	// MediaPath is where the media websocket endpoint is mounted.
	MediaPath     string
	ActionTimeout time.Duration
}

// Server is the bridge HTTP server.
type Server struct {
	cfg        Config
	ctrl       Controller
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the router.
func NewServer(cfg Config, ctrl Controller, h Handlers) *Server {
	if cfg.MediaPath == "" {
		cfg.MediaPath = "/media"
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	if h.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/telephony", h.Webhook)
	}
	if h.Media != nil {
		r.Method(http.MethodGet, cfg.MediaPath, h.Media)
	}

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{callID}", s.handleGetSession)
		r.Delete("/{callID}", s.handleHangup)
		r.Post("/{callID}/speak", s.handleSpeak)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] Starting HTTP server", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// hijacked websocket connections are not tracked by Shutdown
		slog.Warn("[API] Graceful shutdown incomplete", "error", err)
		return s.httpServer.Close()
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("[API] Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.ctrl.Draining() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"uptime":          int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.ctrl.Registry().Count(),
	})
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.ctrl.Registry().List()
	if sessions == nil {
		sessions = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ctrl.Registry().Get(chi.URLParam(r, "callID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()

	err := s.ctrl.HangupCall(ctx, callID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		// the session is torn down even when the provider call fails
		writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "ended": true, "provider_error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "ended": true})
	}
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpeakBody)).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"text\": \"...\"}")
		return
	}

	callID := chi.URLParam(r, "callID")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()

	switch err := s.ctrl.Speak(ctx, callID, req.Text); {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session is closing")
	case errors.Is(err, callcontrol.ErrNotSupported):
		writeError(w, http.StatusNotImplemented, "speak is not supported by this telephony provider")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"call_id": callID, "queued": true})
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
