package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basecamp/studio-cli/internal/output"
)

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{400, output.CodeValidation},
		{401, output.CodeAuth},
		{403, output.CodeForbidden},
		{404, output.CodeNotFound},
		{409, output.CodeValidation},
		{422, output.CodeValidation},
		{429, output.CodeRateLimit},
		{500, output.CodeServer},
		{502, output.CodeServer},
		{503, output.CodeServer},
		{302, output.CodeServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			e := Classify(tt.status, nil, nil)
			require.NotNil(t, e)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.status, e.HTTPStatus)
		})
	}
}

func TestClassifySuccessIsNil(t *testing.T) {
	assert.Nil(t, Classify(200, []byte(`{}`), nil))
	assert.Nil(t, Classify(204, nil, nil))
}

func TestClassifyNotFoundMessage(t *testing.T) {
	e := Classify(404, []byte(`{"error":"Model not found"}`), nil)
	assert.Equal(t, output.CodeNotFound, e.Code)
	assert.Equal(t, "Model not found", e.Message)
	assert.Equal(t, 404, e.HTTPStatus)
}

func TestClassifyNetworkError(t *testing.T) {
	e := Classify(0, nil, errors.New("dial tcp: connection refused"))
	assert.Equal(t, output.CodeNetwork, e.Code)
	assert.Zero(t, e.HTTPStatus)
	assert.True(t, e.Retryable)
}

func TestClassifyTimeout(t *testing.T) {
	e := Classify(0, nil, fmt.Errorf("do: %w", context.DeadlineExceeded))
	assert.Equal(t, output.CodeNetwork, e.Code)
	assert.Equal(t, "Request timed out", e.Message)
	assert.NotEmpty(t, e.Hint)
}

func TestClassifyCanceled(t *testing.T) {
	e := Classify(0, nil, context.Canceled)
	assert.Equal(t, output.CodeNetwork, e.Code)
	assert.False(t, e.Retryable)
}

func TestClassifyParseError(t *testing.T) {
	e := Classify(200, []byte(`{nope`), errors.New("invalid character"))
	assert.Equal(t, output.CodeParse, e.Code)
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := output.ErrForbidden("nope")
	assert.Same(t, orig, Classify(0, nil, fmt.Errorf("wrapped: %w", orig)))
}

func TestClassifyMessageSources(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error field", `{"error":"bad prompt"}`, "bad prompt"},
		{"message field", `{"message":"too long"}`, "too long"},
		{"detail field", `{"detail":"steps must be <= 50"}`, "steps must be <= 50"},
		{"error wins", `{"detail":"d","message":"m","error":"e"}`, "e"},
		{"empty error skipped", `{"error":"","message":"m"}`, "m"},
		{"nested error", `{"error":{"message":"quota exceeded"}}`, "quota exceeded"},
		{"plain text", "  invalid seed\n", "invalid seed"},
		{"json without fields", `{"code":7}`, "Request rejected (HTTP 422)"},
		{"html page", "<html><body>Bad</body></html>", "Request rejected (HTTP 422)"},
		{"empty body", "", "Request rejected (HTTP 422)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(422, []byte(tt.body), nil)
			assert.Equal(t, tt.want, e.Message)
		})
	}
}

func TestClassifyTruncatesLongPlainText(t *testing.T) {
	e := Classify(500, []byte(strings.Repeat("x", 500)), nil)
	assert.Equal(t, maxPlainMessage+len("…"), len(e.Message))
}

func TestClassifyRateLimitRetryAfterFromBody(t *testing.T) {
	e := Classify(429, []byte(`{"error":"slow down","retry_after":12}`), nil)
	assert.Equal(t, output.CodeRateLimit, e.Code)
	assert.Equal(t, "slow down", e.Message)
	assert.Contains(t, e.Hint, "12")
}

func TestClassifyResponseRetryAfterHeader(t *testing.T) {
	h := http.Header{"Retry-After": {"30"}}
	e := ClassifyResponse(429, h, nil)
	assert.Equal(t, "Try again in 30 seconds", e.Hint)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 120*time.Second, parseRetryAfter("120", now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))

	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 90*time.Second, parseRetryAfter(date, now))

	past := now.Add(-time.Minute).Format(http.TimeFormat)
	assert.Zero(t, parseRetryAfter(past, now))
}

func TestParseNextLink(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"next and last", `<https://s.example.com/api/images?page=2>; rel="next", <https://s.example.com/api/images?page=9>; rel="last"`, "https://s.example.com/api/images?page=2"},
		{"no next", `<https://s.example.com/api/images?page=1>; rel="first"`, ""},
		{"malformed", `https://s.example.com/api/images?page=2; rel="next"`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseNextLink(tt.header))
		})
	}
}
