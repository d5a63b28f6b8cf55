// Package access decides whether a supplied credential satisfies a
// note's lock.
package access

import (
	"net/url"
	"strings"
)

// Check reports whether supplied satisfies the stored secret. An empty
// stored secret means the note is unlocked and any credential passes.
//
// Matching is lenient: an exact match passes, and so does a match after
// trimming leading/trailing whitespace from both sides. The trimmed
// fallback tolerates transport-layer trimming of header values; it is a
// deliberate policy carried over from the original service, not a
// weakening to rely on. No Unicode normalization is applied; secrets
// compare by exact codepoint sequence.
func Check(stored, supplied string) bool {
	if stored == "" {
		return true
	}
	if supplied == stored {
		return true
	}
	return strings.TrimSpace(supplied) == strings.TrimSpace(stored)
}

// DecodeCredential percent-decodes a header-borne credential. Malformed
// percent-encoding is not an error: the raw value is used literally.
func DecodeCredential(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}
