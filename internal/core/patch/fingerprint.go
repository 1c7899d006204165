package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// fingerprintVersion is mixed into every identity so a future change of the
// normalization rules cannot collide with identities already on disk.
const fingerprintVersion = "malipat-v1"

var (
	replyPrefix  = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw)\s*:\s*`)
	subjectTags  = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)
	sectionAfter = regexp.MustCompile(`^(@@ -\d+(?:,\d+)? \+\d+(?:,\d+)? @@).*$`)
)

// Fingerprint derives the content identity of a patch from its author
// address, subject and diff text. The same inputs always produce the same
// identity; whitespace and line-ending noise is normalized away first.
func Fingerprint(authorEmail, subject, diff string) string {
	h := sha256.New()
	h.Write([]byte(fingerprintVersion))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(authorEmail))))
	h.Write([]byte{'\n'})
	h.Write([]byte(NormalizeSubject(subject)))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalizeDiff(diff)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeSubject strips reply prefixes and bracketed list tags such as
// "[PATCH v2 1/3]" or "[PATCH RESEND]" and collapses whitespace.
func NormalizeSubject(subject string) string {
	s := strings.Join(strings.Fields(subject), " ")
	for {
		next := replyPrefix.ReplaceAllString(s, "")
		next = subjectTags.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}

// normalizeDiff removes content that varies between retransmissions of the
// same change: CR characters, trailing whitespace, abbreviated blob hashes
// on "index" lines and the function context after hunk headers.
func normalizeDiff(diff string) string {
	diff = normalizeNewlines([]byte(diff))
	lines := strings.Split(diff, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.HasPrefix(line, "index ") {
			continue
		}
		if strings.HasPrefix(line, "@@ ") {
			line = sectionAfter.ReplaceAllString(line, "$1")
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// normalizeNewlines converts CRLF and lone CR line endings to LF.
func normalizeNewlines(raw []byte) string {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// RawFingerprint derives an identity for a message that could not be
// parsed. It covers the normalized message bytes and lives in its own
// namespace, so it never equals a patch Fingerprint.
func RawFingerprint(raw []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprintVersion + "-raw\n"))
	h.Write([]byte(stripMboxFromLine(normalizeNewlines(raw))))
	return hex.EncodeToString(h.Sum(nil))
}
