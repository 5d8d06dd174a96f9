package gateway

import "regexp"

// MaxOutputChars caps how much tool output is returned to the model.
const MaxOutputChars = 8000

const truncationMarker = "\n... [output truncated]"

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`(?:\+\d{1,3}[ -])?\(?\d{3}\)?[ -]\d{3}[ -]\d{4}\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`\bsk-[a-zA-Z0-9_-]{16,}\b`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._~+/-]+=*`), "[REDACTED_TOKEN]"},
}

// Sanitize redacts personal and secret-shaped data from tool output and
// truncates it to the output cap. Redaction runs before truncation so a cut
// never splits a match in half.
func Sanitize(text string) string {
	for _, r := range redactions {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	if len(text) > MaxOutputChars {
		text = text[:MaxOutputChars] + truncationMarker
	}
	return text
}
