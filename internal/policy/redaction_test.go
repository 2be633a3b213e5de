package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	assert.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, out, marker)
	}
}

func TestRedactSecrets(t *testing.T) {
	key := "AIza" + strings.Repeat("x", 35)
	cases := []string{
		"dial wss://host/ws?key=" + key + "&alt=json: bad handshake",
		"x-goog-api-key: " + key,
		`{"apiKey":"sk-live-123"}`,
		"Authorization: Bearer abc.def",
		"key leaked in text " + key,
	}
	for _, in := range cases {
		out, changed := RedactSecrets(in)
		assert.True(t, changed, in)
		assert.NotContains(t, out, key)
		assert.NotContains(t, out, "sk-live-123")
		assert.NotContains(t, out, "abc.def")
		assert.Contains(t, out, "[REDACTED_KEY]", in)
	}

	_, changed := RedactSecrets("1000: session ended")
	assert.False(t, changed, "plain close reason must not change")
}

func TestRedactCombined(t *testing.T) {
	out := Redact("closed for sam@example.com?key=secret")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "sam@example.com")
}
