// Package credential resolves the API key used to open live sessions. The
// backend credential endpoint is asked first; the locally configured key is
// the fallback.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/observability"
	"github.com/antoniostano/voicedesk/internal/policy"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

// MissingKey is what a misconfigured deployment hands out instead of a key.
const MissingKey = "MISSING_KEY"

const (
	defaultAttempts    = 3
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
	maxBodyBytes       = 64 << 10
)

var errNoKey = errors.New("no API key from the credential endpoint or GEMINI_API_KEY")

// Response is the credential endpoint's success body.
type Response struct {
	APIKey string `json:"apiKey"`
}

// Resolver fetches the key once per call. The zero value only uses
// LocalKey.
type Resolver struct {
	URL      string
	LocalKey string
	Client   *http.Client

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Resolve returns the backend key when the endpoint hands out a usable
// one, otherwise LocalKey. No usable key at all is a configuration error.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if strings.TrimSpace(r.URL) != "" {
		key, err := r.fetch(ctx)
		switch {
		case err == nil && usable(key):
			return key, nil
		case ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			r.Logger.Warn().Str("error", policy.Redact(err.Error())).Msg("credential endpoint unavailable, using local key")
		default:
			r.Logger.Warn().Msg("credential endpoint returned no key, using local key")
		}
	}
	if key := strings.TrimSpace(r.LocalKey); usable(key) {
		return key, nil
	}
	return "", reliability.Configuration("credential.resolve", errNoKey)
}

func usable(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && key != MissingKey
}

func (r *Resolver) fetch(ctx context.Context) (string, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	base, maxBackoff := r.BaseBackoff, r.MaxBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, base, maxBackoff)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		key, retry, err := r.request(ctx)
		if err == nil {
			r.count("ok")
			return key, nil
		}
		lastErr = err
		if !retry {
			r.count("error")
			return "", err
		}
		r.count("retry")
		r.Logger.Debug().Int("attempt", attempt+1).Str("error", policy.Redact(err.Error())).Msg("credential request failed")
	}
	r.count("error")
	return "", fmt.Errorf("credential endpoint: %d attempts: %w", attempts, lastErr)
}

// request performs one POST. retry reports whether the failure is worth
// another attempt.
func (r *Resolver) request(ctx context.Context) (key string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "application/json")
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", true, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("credential endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return "", false, fmt.Errorf("decode credential response: %w", err)
	}
	return strings.TrimSpace(out.APIKey), false, nil
}

func (r *Resolver) count(outcome string) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.CredentialRequests.WithLabelValues(outcome).Inc()
}
