package serverutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type OpsConfig struct {
	Metrics *metrics.Recorder
	// Checks are run by /healthz, keyed by the name reported in the body.
	Checks map[string]HealthCheck
	Logger *slog.Logger
}

type healthResponse struct {
	Status     string            `json:"status"`
	ActiveJobs int64             `json:"activeJobs"`
	Checks     map[string]string `json:"checks,omitempty"`
}

const healthCheckTimeout = 2 * time.Second

// NewOpsHandler serves /healthz and /metrics.
func NewOpsHandler(cfg OpsConfig) http.Handler {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		resp := healthResponse{Status: "ok", ActiveJobs: recorder.ActiveJobs()}
		status := http.StatusOK
		if len(cfg.Checks) > 0 {
			resp.Checks = make(map[string]string, len(cfg.Checks))
			for name, check := range cfg.Checks {
				if err := check(ctx); err != nil {
					resp.Checks[name] = err.Error()
					resp.Status = "degraded"
					status = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return logging.RequestLogger(cfg.Logger)(mux)
}
