package logging

import "regexp"

// piiPattern pairs a detection regex with its redaction placeholder.
// Order matters: more specific patterns (16-digit card numbers) run
// before looser ones so a digit run is not double-redacted.
type piiPattern struct {
	re          *regexp.Regexp
	replacement string
}

// piiPatterns is the fixed pattern set named in the logging contract:
// SSN, credit card, email, US phone, driver's license, and "plate:"
// tagged tokens. Matching is case-insensitive.
var piiPatterns = []piiPattern{
	{regexp.MustCompile(`(?i)\b\d{3}-\d{2}-\d{4}\b`), "[SSN-REDACTED]"},
	{regexp.MustCompile(`(?i)\b\d{9}\b`), "[SSN-REDACTED]"},
	{regexp.MustCompile(`(?i)\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "[CARD-REDACTED]"},
	{regexp.MustCompile(`(?i)\b\d{16}\b`), "[CARD-REDACTED]"},
	{regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL-REDACTED]"},
	{regexp.MustCompile(`(?i)\b\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), "[PHONE-REDACTED]"},
	{regexp.MustCompile(`(?i)\b[A-Z]\d{7}\b`), "[DL-REDACTED]"},
	{regexp.MustCompile(`(?i)\b[A-Z]{2}\d{6}\b`), "[DL-REDACTED]"},
	{regexp.MustCompile(`(?i)(plate|license|tag)[:\s]+[A-Z0-9]{2,8}`), "${1}:[PLATE-REDACTED]"},
}

// reservedFields is the case-insensitive key set whose values are always
// fully redacted regardless of content, matching the service-wide
// contract in the logging specification.
var reservedFields = map[string]struct{}{
	"password":          {},
	"api_key":            {},
	"apikey":             {},
	"token":              {},
	"secret":             {},
	"authorization":      {},
	"auth":               {},
	"credential":         {},
	"transcription":      {},
	"transcript":         {},
	"transcript_text":    {},
	"transcription_text": {},
	"audio_content":      {},
	"file_content":       {},
	"ssn":                {},
	"social_security":    {},
	"credit_card":        {},
	"card_number":        {},
	"cvv":                {},
	"pin":                {},
}

// RedactString applies the fixed PII pattern set to s. Redaction is
// idempotent: redacting an already-redacted string is a no-op because
// the replacement tokens never match an input pattern themselves.
func RedactString(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// IsReservedKey reports whether key (case-insensitive) is one of the
// fields that must always be fully redacted rather than pattern-scanned.
func IsReservedKey(key string) bool {
	_, ok := reservedFields[lower(key)]
	return ok
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
