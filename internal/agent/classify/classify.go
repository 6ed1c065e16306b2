// Package classify maps the error taxonomy onto short user-safe
// messages. Channel adapters call UserMessage exactly once per failure;
// nothing backend-specific leaks into chat.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the error taxonomy the rest of the system speaks.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindAuth
	KindBadRequest
	KindEmptyResponse
	KindOverloaded
	KindTimeout
	KindNetwork
	KindDBBusy
	KindDB
	KindShape
	KindNotImplemented
)

var kindNames = map[Kind]string{
	KindUnknown:        "UnknownError",
	KindRateLimited:    "RateLimitError",
	KindAuth:           "AuthError",
	KindBadRequest:     "BadRequestError",
	KindEmptyResponse:  "EmptyResponseError",
	KindOverloaded:     "OverloadedError",
	KindTimeout:        "TimeoutError",
	KindNetwork:        "NetworkError",
	KindDBBusy:         "StorageBusyError",
	KindDB:             "StorageError",
	KindShape:          "ResponseShapeError",
	KindNotImplemented: "NotImplementedError",
}

func (k Kind) String() string { return kindNames[k] }

// Error is a classified error. Providers and the store construct these
// where they know the kind; Classify heuristics cover the rest.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Classify resolves the kind of any error, using the typed kind when
// present and message heuristics otherwise.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if isContextTimeout(err) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return KindRateLimited
	case containsAny(msg, "authentication", "unauthorized", "invalid api key", "invalid_api_key", "401", "403"):
		return KindAuth
	case containsAny(msg, "overloaded", "529", "502", "503", "service unavailable", "internal server error"):
		return KindOverloaded
	case containsAny(msg, "invalid_request", "bad request", "400"):
		return KindBadRequest
	case containsAny(msg, "database is locked", "busy_timeout", "sqlite_busy"):
		return KindDBBusy
	case containsAny(msg, "sqlite", "sql:"):
		return KindDB
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(msg, "connection refused", "no such host", "connection reset", "broken pipe"):
		return KindNetwork
	case containsAny(msg, "not implemented", "unsupported"):
		return KindNotImplemented
	case containsAny(msg, "empty response"):
		return KindEmptyResponse
	}
	return KindUnknown
}

// UserMessage is the total mapping error -> chat text.
func UserMessage(err error) string {
	kind := Classify(err)
	switch kind {
	case KindRateLimited:
		var ce *Error
		if errors.As(err, &ce) && ce.RetryAfter > 0 {
			return fmt.Sprintf("I'm being rate limited. Please wait %d seconds and try again.", int(ce.RetryAfter.Seconds()+0.5))
		}
		return "I'm being rate limited. Please wait a bit and try again."
	case KindAuth:
		return "My credentials were rejected. The owner needs to check my API keys."
	case KindBadRequest:
		return "The conversation context seems corrupted. Try /forget to start fresh."
	case KindEmptyResponse:
		return "I received an empty response. Please try again."
	case KindOverloaded:
		return "The model provider is having issues right now. Please try again later."
	case KindTimeout:
		return "The request timed out. Please try again."
	case KindNetwork:
		return "I couldn't reach the model provider. Please try again."
	case KindDBBusy:
		return "Storage is busy. Please try again in a moment."
	case KindDB:
		return "Storage hiccup. Please try again in a moment."
	case KindShape:
		return "The provider returned an unexpected response format."
	case KindNotImplemented:
		return "The current provider doesn't support that."
	default:
		return fmt.Sprintf("Something went wrong (%s).", kind)
	}
}

func isContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
