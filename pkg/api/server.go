// clawgate - operator dashboard API
// Serves read-only REST endpoints and a WebSocket feed of dispatch events.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/config"
	"github.com/sipeed/clawgate/pkg/logger"
	"github.com/sipeed/clawgate/pkg/metrics"
	"github.com/sipeed/clawgate/pkg/status"
	"github.com/sipeed/clawgate/pkg/tracking"
)

const maxReportsLimit = 200

// ReportStore is the read side of the tracking store.
type ReportStore interface {
	Get(ctx context.Context, correlationID string) (tracking.Record, error)
	Recent(ctx context.Context, limit int) ([]tracking.Record, error)
}

// StatusSource exposes the last status loop tick.
type StatusSource interface {
	Last() *status.Tick
}

// Deps are the components the dashboard reads from. Any of them may be nil.
type Deps struct {
	Reports ReportStore
	Status  StatusSource
	Metrics *metrics.Registry
	Bus     *bus.MessageBus
}

// Server is the HTTP API server for the clawgate dashboard.
type Server struct {
	config      config.DashboardConfig
	deps        Deps
	wsHub       *WSHub
	eventBridge *EventBridge
	startTime   time.Time
	server      *http.Server
}

// NewServer creates a new API server instance.
func NewServer(cfg config.DashboardConfig, deps Deps) *Server {
	// Random per-process key unless one is configured.
	if cfg.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("CLAWGATE DASHBOARD KEY (session token)")
			fmt.Printf("  %s\n", cfg.APIKey)
			fmt.Println("Set dashboard.api_key or CLAWGATE_DASHBOARD_API_KEY to make it permanent.")
			fmt.Println()
		}
	}
	s := &Server{
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.eventBridge = NewEventBridge(deps.Bus, s.wsHub)
	return s
}

// APIKey is the bearer token clients must present.
func (s *Server) APIKey() string { return s.config.APIKey }

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/system/info", s.handleSystemInfo)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/metrics/prometheus", s.handlePrometheus)
	mux.HandleFunc("GET /api/reports", s.handleReports)
	mux.HandleFunc("GET /api/reports/{id}", s.handleReportByID)

	// WebSocket for live events
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	return corsMiddleware(authMiddleware(s.config.APIKey, mux))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Dashboard API server starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	go s.eventBridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) statusPayload() map[string]interface{} {
	uptime := time.Since(s.startTime)
	payload := map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
	}
	if s.deps.Status != nil {
		if last := s.deps.Status.Last(); last != nil {
			payload["last_tick"] = last
			payload["guilds"] = last.Guilds
			payload["shards"] = len(last.Shards)
		}
	}
	if s.deps.Metrics != nil {
		snap := s.deps.Metrics.Snapshot()
		payload["events"] = map[string]uint64{
			"dispatched":  snap.Total(metrics.EventsDispatched),
			"intercepted": snap.Total(metrics.EventsIntercepted),
			"handled":     snap.Total(metrics.EventsHandled),
			"failed":      snap.Total(metrics.EventsFailed),
			"dropped":     snap.Total(metrics.EventsDropped),
		}
		payload["escalations"] = snap.Counters[metrics.Escalations]
	}
	return payload
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	hostname, _ := os.Hostname()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":   hostname,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"memory_mb":  float64(m.Alloc) / 1024 / 1024,
		"sys_mb":     float64(m.Sys) / 1024 / 1024,
		"gc_cycles":  m.NumGC,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current":      s.deps.Metrics.Snapshot(),
		"last_flushed": s.deps.Metrics.Last(),
	})
}

// handlePrometheus serves the registry in the Prometheus text format.
func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics disabled"})
		return
	}
	promhttp.HandlerFor(s.deps.Metrics.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "report store disabled"})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxReportsLimit)
	}

	recs, err := s.deps.Reports.Recent(r.Context(), limit)
	if err != nil {
		logger.ErrorCF("api", "Listing reports failed", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing reports failed"})
		return
	}
	if recs == nil {
		recs = []tracking.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": recs,
		"count":   len(recs),
	})
}

func (s *Server) handleReportByID(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "report store disabled"})
		return
	}

	id := r.PathValue("id")
	rec, err := s.deps.Reports.Get(r.Context(), id)
	switch {
	case errors.Is(err, tracking.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
	case err != nil:
		logger.ErrorCF("api", "Loading report failed", map[string]interface{}{
			"correlation_id": id,
			"error":          err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading report failed"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
