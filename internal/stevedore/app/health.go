package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/stevedore/common/version"
)

// HealthServer exposes /health and /status over HTTP. It is optional;
// Stevedore runs without it when health.enabled is false.
type HealthServer struct {
	addr      string
	store     auditCounter
	engine    pinger
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// auditCounter is the minimal interface the health server needs from Store.
type auditCounter interface {
	AuditCount(ctx context.Context) (int, error)
}

// pinger is the minimal interface the health server needs from the engine.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	EngineHealthy bool      `json:"engine_healthy"`
	AuditCount    int       `json:"audit_count"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, ac auditCounter, p pinger) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     ac,
		engine:    p,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	// Shutdown when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

// handleHealth responds with a simple ok JSON payload.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus responds with runtime statistics, including a live engine
// reachability probe bounded by a short deadline.
func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	auditCount := 0
	if h.store != nil {
		if n, err := h.store.AuditCount(r.Context()); err == nil {
			auditCount = n
		}
	}

	engineHealthy := false
	if h.engine != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		engineHealthy = h.engine.Ping(pingCtx) == nil
		cancel()
	}

	resp := statusResponse{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.GitCommit,
		BuildTime:     version.BuildTime,
		StartedAt:     h.startedAt,
		UptimeSecs:    time.Since(h.startedAt).Seconds(),
		EngineHealthy: engineHealthy,
		AuditCount:    auditCount,
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
