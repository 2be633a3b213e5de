package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsCredentialRejectedStatus reports whether an HTTP status returned while
// establishing a channel means the endpoint refused the API key.
func IsCredentialRejectedStatus(code int) bool {
	switch code {
	case 400, 401, 403:
		return true
	default:
		return false
	}
}

// IsRetryableCloseCode classifies websocket close codes sent by the live
// endpoint. Retrying is always an explicit user action; this only
// annotates the close in the logs.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case 1001, 1006, 1011, 1012, 1013, 1014:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
