package synccache

import (
	"regexp"
)

// Volatile substrings are canonicalized before fingerprinting so two
// fetches of semantically-identical content hash equal. Order matters:
// timestamps are rewritten before bare numeric runs so a date inside an
// attribute is not half-consumed by the epoch pattern.
var (
	// ISO-8601-like timestamps: 2024-01-02T15:04:05.000Z, with or
	// without fractional seconds and zone offset.
	isoTimestampPattern = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)

	// Long numeric runs, typically epoch millis or cache-busting ids.
	epochPattern = regexp.MustCompile(`\b\d{10,16}\b`)

	// Session/CSRF token assignments in markup or inline scripts.
	tokenPattern = regexp.MustCompile(
		`(?i)(csrf[_-]?token|authenticity_token|session[_-]?id|sessionid|sesskey|nonce|_token|state)(["']?\s*[:=]\s*["']?)[A-Za-z0-9+/=_.-]{8,}`)

	// Long numeric runs inside attribute values (dynamic element ids,
	// per-request resource versions).
	numericAttrPattern = regexp.MustCompile(`(="[^"]*?)\d{6,}([^"]*?")`)

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes volatile substrings and collapses whitespace.
// Fingerprints are computed only over the normalized form; without this
// step every fetch would churn the fingerprint and defeat the cache.
func Normalize(content []byte) []byte {
	out := isoTimestampPattern.ReplaceAll(content, []byte("[ts]"))
	out = tokenPattern.ReplaceAll(out, []byte("${1}${2}[token]"))
	out = numericAttrPattern.ReplaceAll(out, []byte("${1}[n]${2}"))
	out = epochPattern.ReplaceAll(out, []byte("[n]"))
	out = whitespacePattern.ReplaceAll(out, []byte(" "))
	return out
}
