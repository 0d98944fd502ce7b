package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foiacquire/foiacquire/internal/catalog"
)

// StaleAfter is the heartbeat age past which /status annotates a row as
// stale. A reader may mark a heartbeat stale but must never remove the
// row.
const StaleAfter = 30 * time.Second

// NewHandler builds the read-only status/heartbeat HTTP surface: a
// liveness probe, a JSON dump of every known service_status row, and a
// Prometheus scrape endpoint bound to reg rather than the global
// default registry.
func NewHandler(cat *catalog.Catalog, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		rows, err := cat.ListServiceStatuses(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toStatusView(rows))
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// statusView is service_status shaped for the JSON surface, with a
// derived "stale" flag readers can act on without recomputing the age
// threshold themselves.
type statusView struct {
	ServiceType   string `json:"service_type"`
	Host          string `json:"host"`
	State         string `json:"state"`
	CurrentSource string `json:"current_source"`
	StartedAt     string `json:"started_at"`
	LastHeartbeat string `json:"last_heartbeat"`
	Stale         bool   `json:"stale"`
	Counters      string `json:"counters"`
	LastError     string `json:"last_error,omitempty"`
	ErrorCount    int    `json:"error_count"`
}

func toStatusView(rows []*catalog.ServiceStatus) []statusView {
	now := time.Now().UTC()
	out := make([]statusView, 0, len(rows))
	for _, s := range rows {
		out = append(out, statusView{
			ServiceType:   s.ServiceType,
			Host:          s.Host,
			State:         s.State,
			CurrentSource: s.CurrentSource,
			StartedAt:     s.StartedAt.Format(time.RFC3339),
			LastHeartbeat: s.LastHeartbeat.Format(time.RFC3339),
			Stale:         now.Sub(s.LastHeartbeat) > StaleAfter,
			Counters:      s.CountersJSON,
			LastError:     s.LastError,
			ErrorCount:    s.ErrorCount,
		})
	}
	return out
}
