package tools

import "regexp"

// Secret patterns. The safe set is limited to formats that are secrets
// beyond reasonable doubt; the aggressive set adds heuristics that can
// also hit code samples and URLs.
var (
	pemBlockRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]+-----.*?-----END [A-Z0-9 ]+-----`)
	knownKeyRe = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_-]{16,}|ghp_[A-Za-z0-9]{20,}|gho_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}|xox[baprs]-[A-Za-z0-9-]{10,}|AKIA[0-9A-Z]{16})\b`)
	bearerRe   = regexp.MustCompile(`(?i)\b(authorization:\s*bearer)\s+\S{8,}`)

	cookieLineRe = regexp.MustCompile(`(?i)\b((?:set-)?cookie):[^\r\n]+`)
	assignRe     = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|auth[_-]?token|refresh[_-]?token|client[_-]?secret|secret|password|passwd)(["']?\s*[:=]\s*["']?)[^\s"'&;]{6,}`)
	queryRe      = regexp.MustCompile(`(https?://[^\s?"'<>]+)\?[^\s"'<>]*`)
)

const redacted = "[REDACTED]"

// Scrub removes secrets from tool output according to the tool's level.
func Scrub(level ScrubLevel, s string) string {
	switch level {
	case ScrubNone:
		return s
	case ScrubSafe:
		return scrubSafe(s)
	default:
		// unset means aggressive
		return scrubAggressive(s)
	}
}

func scrubSafe(s string) string {
	s = pemBlockRe.ReplaceAllString(s, redacted)
	s = knownKeyRe.ReplaceAllString(s, redacted)
	s = bearerRe.ReplaceAllString(s, "$1 "+redacted)
	return s
}

func scrubAggressive(s string) string {
	s = scrubSafe(s)
	s = cookieLineRe.ReplaceAllString(s, "$1: "+redacted)
	s = assignRe.ReplaceAllString(s, "$1$2"+redacted)
	s = queryRe.ReplaceAllString(s, "$1")
	return s
}
