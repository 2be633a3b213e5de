package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryableHTTPStatus(tc.code), "status %d", tc.code)
	}
}

func TestIsCredentialRejectedStatus(t *testing.T) {
	for _, code := range []int{400, 401, 403} {
		assert.True(t, IsCredentialRejectedStatus(code), "status %d", code)
	}
	assert.False(t, IsCredentialRejectedStatus(503))
}

func TestIsRetryableCloseCode(t *testing.T) {
	assert.False(t, IsRetryableCloseCode(1000), "normal closure")
	assert.True(t, IsRetryableCloseCode(1011), "internal error closure")
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	assert.Equal(t, base, ExponentialBackoff(0, base, capDur))
	assert.Equal(t, 400*time.Millisecond, ExponentialBackoff(2, base, capDur))
	assert.Equal(t, capDur, ExponentialBackoff(10, base, capDur))
}
