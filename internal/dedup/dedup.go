// Package dedup implements the content-addressed normalization and hashing
// primitive shared by the child-process driver, the run orchestrator's
// event-log reconciliation, and the bot adapter's send-dedup window.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes text for dedup comparison: CRLF/CR are folded to
// LF, every line is right-stripped of trailing whitespace, and trailing
// empty lines are dropped. normalize(normalize(x)) == normalize(x).
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	unified := strings.ReplaceAll(text, "\r\n", "\n")
	unified = strings.ReplaceAll(unified, "\r", "\n")
	lines := strings.Split(unified, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Hash returns the hex-encoded SHA-256 digest of the normalized text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
