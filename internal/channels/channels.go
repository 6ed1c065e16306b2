// Package channels defines the contract a chat transport implements to
// drive the conversation engine, plus the reply-handling helpers shared
// by the transports: media-suffix extraction and length splitting.
//
// A channel owns the full ingest pipeline for its platform: receive an
// event, resolve or register the user, consult the rate limiter, hand
// the turn to the conversation manager, and deliver the reply within
// the platform's limits. The engine stays transport-agnostic; channels
// reach it only through the manager and the callback set they register.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Channel is one chat transport run by the daemon for its lifetime.
// Run blocks until ctx is cancelled or the transport fails fatally.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

const mediaPrefix = "MEDIA: "

// ExtractMedia splits a reply into text and an optional media path. The
// engine marks deliverable files with a trailing "MEDIA: <path>" line;
// transports send the file with the remaining text as its caption.
func ExtractMedia(reply string) (text, mediaPath string) {
	trimmed := strings.TrimRight(reply, "\n ")
	idx := strings.LastIndex(trimmed, "\n")
	lastLine := trimmed
	if idx >= 0 {
		lastLine = trimmed[idx+1:]
	}
	if !strings.HasPrefix(lastLine, mediaPrefix) {
		return reply, ""
	}
	path := strings.TrimSpace(strings.TrimPrefix(lastLine, mediaPrefix))
	if path == "" {
		return reply, ""
	}
	if idx < 0 {
		return "", path
	}
	return strings.TrimRight(trimmed[:idx], "\n "), path
}

// Split chops text into chunks of at most limit bytes, preferring
// paragraph breaks, then line breaks, then spaces, so a long reply
// reads naturally across messages.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := splitPoint(rest, limit)
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n "))
		rest = strings.TrimLeft(rest[cut:], "\n ")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// splitPoint finds the best break position at or before limit.
func splitPoint(s string, limit int) int {
	window := s[:limit]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(window, sep); idx > limit/2 {
			return idx + len(sep)
		}
	}
	// no natural break: avoid severing a multi-byte rune
	cut := limit
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// RateLimitNotice renders the standard back-pressure reply.
func RateLimitNotice(retryAfter time.Duration) string {
	secs := int(retryAfter.Seconds() + 0.5)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("You're sending messages too quickly. Please wait %d seconds.", secs)
}
