// Package obshttp is the fleet's observability surface: read-only HTTP
// endpoints for health, metrics, schedule detail, and per-host pool
// utilization, gated with internal/web's operator bearer-token auth, while
// /healthz stays public for load-balancer probes.
package obshttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/scheduler"
	"github.com/meko-christian/imap-fleet/internal/web"
	"github.com/meko-christian/imap-fleet/internal/workerfleet"
)

// HealthStatus is the fleet's overall health classification.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Dependencies is the subset of live components the observability surface
// reads from. All methods must be safe for concurrent use.
type Dependencies struct {
	Pool       *connpool.Pool
	Fleet      *workerfleet.Fleet
	Scheduler  *scheduler.Scheduler
	StoreAlive func() bool
}

// Server serves the observability HTTP surface.
type Server struct {
	addr string
	deps Dependencies
	auth *web.TokenAuth
	http *http.Server
}

// New builds a Server. authToken gates /metrics, /schedule, and /pools
// behind an Authorization: Bearer check; an empty authToken leaves those
// endpoints open, matching web.NewTokenAuth's dev-mode behavior.
func New(addr, authToken string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, auth: web.NewTokenAuth(authToken)}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.auth.RequireAuth(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("/schedule", s.auth.RequireAuth(http.HandlerFunc(s.handleSchedule)))
	mux.Handle("/pools", s.auth.RequireAuth(http.HandlerFunc(s.handlePools)))

	s.http = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("observability server starting", "address", s.addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("observability server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status       HealthStatus    `json:"status"`
	Dependencies map[string]bool `json:"dependencies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]bool{
		"store": s.deps.StoreAlive(),
	}

	status := HealthHealthy
	for _, ok := range deps {
		if !ok {
			status = HealthUnhealthy
		}
	}

	code := http.StatusOK
	if status == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{Status: status, Dependencies: deps})
}

type metricsResponse struct {
	ActiveConnections int                   `json:"connections_active"`
	QueueDepth        int                   `json:"queue_depth"`
	WorkersTotal      int                   `json:"workers_total"`
	WorkersActive     int                   `json:"workers_active"`
	WorkersIdle       int                   `json:"workers_idle"`
	HostUtilization   []connpool.Utilization `json:"host_utilization"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	fleetMetrics := s.deps.Fleet.Snapshot()
	util := s.deps.Pool.Utilization()

	active := 0
	for _, u := range util {
		active += u.LiveSessions
	}

	writeJSON(w, http.StatusOK, metricsResponse{
		ActiveConnections: active,
		QueueDepth:        fleetMetrics.QueueDepth,
		WorkersTotal:      fleetMetrics.Total,
		WorkersActive:     fleetMetrics.Active,
		WorkersIdle:       fleetMetrics.Idle,
		HostUtilization:   util,
	})
}

type scheduleEntryView struct {
	MailboxID           string        `json:"mailbox_id"`
	Priority            string        `json:"priority"`
	Interval            time.Duration `json:"interval"`
	NextDueAt           time.Time     `json:"next_due_at"`
	IdleSupported       bool          `json:"idle_supported"`
	IdleEnabled         bool          `json:"idle_enabled"`
	IdleFailures        int           `json:"idle_failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Scheduler.Snapshot()
	out := make([]scheduleEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, scheduleEntryView{
			MailboxID:           e.MailboxID,
			Priority:            priorityName(e.Priority),
			Interval:            e.Interval,
			NextDueAt:           e.NextDueAt,
			IdleSupported:       e.Idle.Supported,
			IdleEnabled:         e.Idle.Enabled,
			IdleFailures:        e.Idle.Failures,
			ConsecutiveFailures: e.ConsecutiveFailures,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func priorityName(p model.Priority) string { return p.String() }

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Utilization())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
