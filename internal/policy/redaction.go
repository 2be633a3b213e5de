package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	googleKeyPattern = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)
	keyParamPattern  = regexp.MustCompile(`(?i)([?&](?:key|api_key|apikey|access_token)=)[^&\s"']+`)
	keyHeaderPattern = regexp.MustCompile(`(?i)((?:x-goog-api-key|authorization|"apiKey")\s*[:=]\s*"?)(?:Bearer\s+)?[^\s",}]+`)
)

// RedactSecrets masks API keys wherever they can leak into a log line:
// Google API keys, key query parameters, credential headers and the
// apiKey field of the credential endpoint's JSON body.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := keyParamPattern.ReplaceAllString(out, "${1}[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = keyHeaderPattern.ReplaceAllString(out, "${1}[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = googleKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact applies RedactSecrets then RedactPII. Remote close reasons and
// transport errors go through it before they are logged.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	out, _ = RedactPII(out)
	return out
}
