package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts panel API tokens, bot tokens, and SSH passwords from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Password in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(password["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(ssh_password["'\s:=]+)\S+`),
	// Panel tokens: long alphanumeric strings after "token", "api_token"
	regexp.MustCompile(`(?i)(api[_-]?token["'\s:=]+)[A-Za-z0-9\-_\.]{16,}`),
	regexp.MustCompile(`(?i)(panel[_-]?token["'\s:=]+)\S+`),
	// Chat bot tokens (numeric id, colon, secret)
	regexp.MustCompile(`(?i)(bot[_-]?token["'\s:=]+)\S+`),
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,}\b`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// X-Api-Key header
	regexp.MustCompile(`(?i)(X-Api-Key["'\s:=]+)\S+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, replacement(re, r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// replacement builds a replacement []byte keeping capture group $1 (when the
// pattern has one) followed by the redaction marker.
func replacement(re *regexp.Regexp, redact string) []byte {
	var buf bytes.Buffer
	if re.NumSubexp() > 0 {
		buf.WriteString("${1}")
	}
	buf.WriteString(redact)
	return buf.Bytes()
}
