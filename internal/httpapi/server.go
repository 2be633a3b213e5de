package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/config"
	"github.com/antoniostano/voicedesk/internal/credential"
	"github.com/antoniostano/voicedesk/internal/observability"
)

const (
	msgMethodNotAllowed = "Method Not Allowed"
	msgKeyMissing       = "Server configuration error: API Key missing"
)

// Server is the voice widget's backend: it hands the API key to clients
// and serves the persona catalog. It never relays media.
type Server struct {
	cfg      config.Config
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func New(cfg config.Config, metrics *observability.Metrics, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		metrics:  metrics,
		gatherer: gatherer,
		log:      logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", observability.MetricsHandler(s.gatherer).ServeHTTP)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/perf/calls/{sessionID}", s.handlePerfCall)

	r.HandleFunc("/v1/agent/credential", s.handleCredential)
	r.Get("/v1/personas", s.handleListPersonas)
	r.Get("/v1/personas/{id}", s.handleGetPersona)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady reports not ready while no key can be handed out.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.keyConfigured() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "GEMINI_API_KEY is not set",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		s.corsHeaders(w, r)
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		s.countCredential("method_not_allowed")
		w.Header().Set("Allow", "POST, OPTIONS")
		respondError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	s.corsHeaders(w, r)
	if !s.keyConfigured() {
		s.countCredential("missing_key")
		s.log.Error().Msg("GEMINI_API_KEY is missing on the server")
		respondError(w, http.StatusInternalServerError, msgKeyMissing)
		return
	}
	s.countCredential("served")
	respondJSON(w, http.StatusOK, credential.Response{APIKey: strings.TrimSpace(s.cfg.GeminiAPIKey)})
}

// corsHeaders allows any origin when configured to, otherwise only the
// server's own origin.
func (s *Server) corsHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	switch origin := strings.TrimSpace(r.Header.Get("Origin")); {
	case s.cfg.AllowAnyOrigin:
		h.Set("Access-Control-Allow-Origin", "*")
	case sameOrigin(origin, r.Host):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

func sameOrigin(origin, host string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

func (s *Server) keyConfigured() bool {
	key := strings.TrimSpace(s.cfg.GeminiAPIKey)
	return key != "" && key != credential.MissingKey
}

func (s *Server) countCredential(outcome string) {
	if s.metrics != nil {
		s.metrics.CredentialRequests.WithLabelValues(outcome).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// requestLogger logs one line per request. Query strings are not logged.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}
