// Package admin exposes the operational HTTP surface: workspace
// stats, cache eviction, pruning, purging, health, and metrics.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomsync/loomsync/pkg/middleware"
	"github.com/loomsync/loomsync/pkg/relay"
	"github.com/loomsync/loomsync/pkg/store"
)

// defaultPruneDays is the retention used when the prune request does
// not specify one.
const defaultPruneDays = 30

// Server serves the admin API for one relay process.
type Server struct {
	store    *store.Store
	registry *relay.Registry
	relay    *relay.Collector
	token    string
	logger   *slog.Logger
}

// New creates an admin server. An empty token disables authentication,
// for local development only.
func New(st *store.Store, registry *relay.Registry, collector *relay.Collector, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		registry: registry,
		relay:    collector,
		token:    token,
		logger:   logger.With("component", "admin"),
	}
}

// Router builds the admin HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Prometheus())

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/stats", s.handleStats)
		r.Route("/workspaces/{id}", func(r chi.Router) {
			r.Get("/stats", s.handleWorkspaceStats)
			r.Post("/evict", s.handleEvict)
			r.Post("/prune", s.handlePrune)
			r.Delete("/", s.handlePurge)
		})
	})

	return r
}

// requireToken checks the bearer token on every admin route.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats reports process-wide registry and relay counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"registry": s.registry.Stats(),
	}
	if s.relay != nil {
		resp["relay"] = s.relay.Snapshot()
	}
	resp["persist_failures"] = s.store.PersistFailures()
	resp["persist_drops"] = s.store.PersistDrops()
	writeJSON(w, http.StatusOK, resp)
}

// workspaceStatsResponse combines store and registry views of one
// workspace.
type workspaceStatsResponse struct {
	WorkspaceID    string `json:"workspace_id"`
	LiveSessions   int    `json:"live_sessions"`
	CachedRecords  int    `json:"cached_records"`
	CachedBytes    int64  `json:"cached_bytes"`
	DurableRecords int64  `json:"durable_records"`
	DurableBytes   int64  `json:"durable_bytes"`
}

func (s *Server) handleWorkspaceStats(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "id")
	stats := s.store.Stats(r.Context(), workspaceID)

	writeJSON(w, http.StatusOK, workspaceStatsResponse{
		WorkspaceID:    workspaceID,
		LiveSessions:   s.registry.Count(workspaceID),
		CachedRecords:  stats.CachedRecords,
		CachedBytes:    stats.CachedBytes,
		DurableRecords: stats.DurableRecords,
		DurableBytes:   stats.DurableBytes,
	})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "id")
	s.store.EvictCache(workspaceID)
	s.logger.Info("cache evicted", "workspace_id", workspaceID)
	writeJSON(w, http.StatusOK, map[string]string{
		"workspace_id": workspaceID,
		"status":       "evicted",
	})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "id")

	days := defaultPruneDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	removed, err := s.store.Prune(r.Context(), workspaceID, time.Duration(days)*24*time.Hour)
	if err != nil {
		s.logger.Error("prune failed", "workspace_id", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "prune failed")
		return
	}

	s.logger.Info("pruned", "workspace_id", workspaceID, "days", days, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"days":         days,
		"removed":      removed,
	})
}

// handlePurge removes a workspace's durable history, drops its cache,
// and closes its live sessions.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "id")

	if err := s.store.DeleteAll(r.Context(), workspaceID); err != nil {
		s.logger.Error("purge failed", "workspace_id", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	closed := s.registry.CloseWorkspace(workspaceID, websocket.CloseGoingAway, "workspace purged")

	s.logger.Info("workspace purged", "workspace_id", workspaceID, "closed_sessions", closed)
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id":    workspaceID,
		"closed_sessions": closed,
		"status":          "purged",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
