// Package api provides the admin HTTP surface (SPEC_FULL.md §6): read-only
// operational endpoints plus a websocket relay of the stakeholder events
// channel. This is explicitly not the dispatcher's transport — spec.md's
// Non-goals hold; the dispatcher stays in-process.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/agency/internal/system"
)

// Config holds the admin server's configuration.
type Config struct {
	Port    int
	DevMode bool
	Log     zerolog.Logger
	System  *system.System
}

// Server is the admin HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	sys    *system.System
}

// New builds the router and wraps it in an *http.Server, following the
// teacher's chi + cors + Recoverer/RequestID/Timeout middleware stack.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "api").Logger(),
		sys:    cfg.System,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("admin api request")
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/accounts", s.handleAccounts)
	s.router.Get("/queue/status", s.handleQueueStatus)
	s.router.Get("/workers", s.handleWorkers)
	s.router.Get("/reports/{period}", s.handleReport)
	s.router.Get("/events", s.handleEventsWebsocket)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.CurrentStatus())
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Accounts.Summary())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Queue.PendingSummary())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, s.sys.Workers.AvailableWorkers(now))
}

// handleReport generates an ad-hoc report for a named period ("today",
// "week", "month") against the Aggregation/Reporting component — a
// convenience wrapper, not a stored report lookup.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	end := time.Now().UTC()
	var start time.Time
	switch period {
	case "today":
		start = end.Truncate(24 * time.Hour)
	case "week":
		start = end.AddDate(0, 0, -7)
	case "month":
		start = end.AddDate(0, -1, 0)
	default:
		http.Error(w, "unknown period: use today, week, or month", http.StatusBadRequest)
		return
	}

	rpt, err := s.sys.Reports.Generate(r.Context(), start, end)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to generate report")
		http.Error(w, "failed to generate report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rpt)
}

// handleEventsWebsocket relays the stakeholder events bus to a connected
// dashboard client as JSON frames until the client disconnects.
func (s *Server) handleEventsWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ch := s.sys.Events.Subscribe()
	defer s.sys.Events.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving HTTP requests. Blocks until Shutdown is called or an
// unrecoverable listener error occurs.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctxTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
