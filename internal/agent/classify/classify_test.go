package classify

import (
	"context"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyTypedErrors(t *testing.T) {
	assert.Equal(t, KindAuth, Classify(New(KindAuth, "api key rejected")))
	assert.Equal(t, KindRateLimited, Classify(New(KindRateLimited, "slow down")))

	// typed kind survives wrapping
	wrapped := pkgerrors.Wrap(New(KindOverloaded, "529"), "chat request")
	assert.Equal(t, KindOverloaded, Classify(wrapped))
}

func TestClassifyHeuristics(t *testing.T) {
	cases := map[string]Kind{
		"429 too many requests":              KindRateLimited,
		"401 unauthorized":                   KindAuth,
		"invalid_request_error: bad role":    KindBadRequest,
		"database is locked":                 KindDBBusy,
		"sql: no rows in result set":         KindDB,
		"dial tcp: connection refused":       KindNetwork,
		"overloaded_error":                   KindOverloaded,
		"request timed out":                  KindTimeout,
		"embedding not implemented here":     KindNotImplemented,
		"provider returned empty response":   KindEmptyResponse,
		"something inexplicable went wrong!": KindUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(pkgerrors.New(msg)), "message %q", msg)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Classify(pkgerrors.Wrap(context.DeadlineExceeded, "provider call")))
}

func TestUserMessageNeverLeaksInternals(t *testing.T) {
	err := pkgerrors.New("POST https://api.internal:8443/v1/chat: x-request-id 12345 401 unauthorized")
	msg := UserMessage(err)
	assert.NotContains(t, msg, "api.internal")
	assert.NotContains(t, msg, "12345")
	assert.Equal(t, "My credentials were rejected. The owner needs to check my API keys.", msg)
}

func TestUserMessageRateLimitIncludesWait(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Message: "limited", RetryAfter: 42 * time.Second}
	assert.Equal(t, "I'm being rate limited. Please wait 42 seconds and try again.", UserMessage(err))
}

func TestUserMessageFallbackNamesKind(t *testing.T) {
	msg := UserMessage(pkgerrors.New("mystery"))
	assert.Equal(t, "Something went wrong (UnknownError).", msg)
}
