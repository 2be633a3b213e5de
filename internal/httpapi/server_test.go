package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/voicedesk/internal/config"
	"github.com/antoniostano/voicedesk/internal/observability"
)

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)
	srv := New(cfg, metrics, reg, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	return payload
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCredentialHandsOutKey(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{GeminiAPIKey: "server-key", AllowAnyOrigin: true})

	res, err := http.Post(ts.URL+"/v1/agent/credential", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, "server-key", decodeBody(t, res)["apiKey"])
}

func TestCredentialMissingKey(t *testing.T) {
	for _, key := range []string{"", "MISSING_KEY"} {
		ts, _ := newTestServer(t, config.Config{GeminiAPIKey: key})

		res, err := http.Post(ts.URL+"/v1/agent/credential", "application/json", nil)
		require.NoError(t, err)
		payload := decodeBody(t, res)
		res.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode, "key %q", key)
		assert.Equal(t, "Server configuration error: API Key missing", payload["error"])
	}
}

func TestCredentialMethods(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{GeminiAPIKey: "server-key", AllowAnyOrigin: true})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/agent/credential", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Empty(t, readBody(t, res))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", res.Header.Get("Access-Control-Allow-Methods"))

	res, err = http.Get(ts.URL + "/v1/agent/credential")
	require.NoError(t, err)
	payload := decodeBody(t, res)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, "Method Not Allowed", payload["error"])
}

func TestCredentialCORSSameOriginOnly(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{GeminiAPIKey: "server-key"})

	for origin, want := range map[string]string{
		"https://evil.example": "",
		ts.URL:                 ts.URL,
	} {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/agent/credential", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, want, res.Header.Get("Access-Control-Allow-Origin"), "origin %q", origin)
	}
}

func TestPersonas(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})

	res, err := http.Get(ts.URL + "/v1/personas")
	require.NoError(t, err)
	defer res.Body.Close()
	var list listPersonasResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	assert.Len(t, list.Personas, 2)
	assert.Equal(t, "FRONT_DESK", string(list.Default))

	one, err := http.Get(ts.URL + "/v1/personas/emergency")
	require.NoError(t, err)
	body := readBody(t, one)
	assert.Equal(t, http.StatusOK, one.StatusCode)
	assert.Contains(t, body, `"voice":"Puck"`)
	assert.NotContains(t, body, "Pronto Intervento di AIdraulicus", "system instruction must not be served")

	missing, err := http.Get(ts.URL + "/v1/personas/sales")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})

	res, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// One credential request so the counter has a series.
	res, err = http.Post(ts.URL+"/v1/agent/credential", "", nil)
	require.NoError(t, err)
	res.Body.Close()

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	assert.Contains(t, readBody(t, res), `test_httpapi_credential_requests_total{outcome="missing_key"} 1`)
}

func TestTelemetryRouterServesCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_telemetry", reg)
	metrics.BeginCall("call-1", "FRONT_DESK")
	metrics.ObserveConnectLatency("call-1", 300*time.Millisecond)

	ts := httptest.NewServer(TelemetryRouter(metrics, reg))
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	body := readBody(t, res)
	assert.Contains(t, body, `"stage":"connect"`)
	assert.Contains(t, body, `"session_id":"call-1"`)

	res, err = http.Get(ts.URL + "/v1/perf/calls/call-1")
	require.NoError(t, err)
	var call observability.CallRecord
	require.NoError(t, json.NewDecoder(res.Body).Decode(&call))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "FRONT_DESK", call.Persona)
	assert.Equal(t, observability.OutcomeOpen, call.Outcome)
	require.NotNil(t, call.ConnectMS)
	assert.Equal(t, 300.0, *call.ConnectMS)

	res, err = http.Get(ts.URL + "/v1/perf/calls/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestLatencyWithoutMetricsIsEmpty(t *testing.T) {
	srv := New(config.Config{}, nil, prometheus.NewRegistry(), zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	var snap observability.CallSnapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, snap.Calls)
	assert.Empty(t, snap.Stages)
}
