package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/voicedesk/internal/observability"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	writeLatency(w, s.metrics)
}

func (s *Server) handlePerfCall(w http.ResponseWriter, r *http.Request) {
	writeCall(w, r, s.metrics)
}

func callWindow(metrics *observability.Metrics) *observability.CallWindow {
	if metrics == nil {
		return nil
	}
	return metrics.Calls
}

func writeLatency(w http.ResponseWriter, metrics *observability.Metrics) {
	respondJSON(w, http.StatusOK, callWindow(metrics).Snapshot())
}

func writeCall(w http.ResponseWriter, r *http.Request, metrics *observability.Metrics) {
	call, ok := callWindow(metrics).Call(chi.URLParam(r, "sessionID"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown session")
		return
	}
	respondJSON(w, http.StatusOK, call)
}

// TelemetryRouter is the voice client's local introspection surface:
// liveness, Prometheus metrics and the recent calls.
func TelemetryRouter(metrics *observability.Metrics, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", observability.MetricsHandler(gatherer).ServeHTTP)
	r.Get("/v1/perf/latency", func(w http.ResponseWriter, _ *http.Request) {
		writeLatency(w, metrics)
	})
	r.Get("/v1/perf/calls/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		writeCall(w, r, metrics)
	})
	return r
}
