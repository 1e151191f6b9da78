package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basecamp/studio-cli/internal/output"
)

// maxPlainMessage bounds how much of a non-JSON error body becomes the message.
const maxPlainMessage = 200

// Classify maps an exchange outcome to a typed error.
//
// err without a status is a transport failure. err with a 2xx status means
// the body could not be decoded. A 2xx status without err is not a failure
// and yields nil. The classifier never retries.
func Classify(status int, body []byte, err error) *output.Error {
	if err != nil {
		var classified *output.Error
		if errors.As(err, &classified) {
			return classified
		}
		if status == 0 {
			return classifyTransport(err)
		}
		if status >= 200 && status < 300 {
			return output.ErrParse("Response body could not be parsed", err)
		}
	}

	msg := errorMessage(body)

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 0:
		return output.ErrNetwork(errors.New("no response received"))
	case status == http.StatusUnauthorized:
		return output.ErrAuth(orDefault(msg, "Session expired, please sign in again"))
	case status == http.StatusForbidden:
		return output.ErrForbidden(orDefault(msg, "You do not have permission to do that"))
	case status == http.StatusNotFound:
		return output.ErrNotFound(orDefault(msg, "Resource not found"))
	case status == http.StatusTooManyRequests:
		return output.ErrRateLimit(orDefault(msg, "Too many requests"), retryAfterFromBody(body))
	case status >= 500:
		return output.ErrServer(status, orDefault(msg, fmt.Sprintf("Server error (HTTP %d)", status)))
	case status >= 400:
		return output.ErrValidation(status, orDefault(msg, fmt.Sprintf("Request rejected (HTTP %d)", status)))
	default:
		// 1xx and 3xx are not expected from a JSON API.
		return output.ErrServer(status, orDefault(msg, fmt.Sprintf("Unexpected response (HTTP %d)", status)))
	}
}

// ClassifyResponse classifies a non-2xx response, folding the Retry-After
// header into rate-limit errors.
func ClassifyResponse(status int, header http.Header, body []byte) *output.Error {
	e := Classify(status, body, nil)
	if e == nil {
		return nil
	}
	if e.Code == output.CodeRateLimit {
		if secs := int(parseRetryAfter(header.Get("Retry-After"), time.Now()).Seconds()); secs > 0 {
			e.Hint = fmt.Sprintf("Try again in %d seconds", secs)
		}
	}
	return e
}

func classifyTransport(err error) *output.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		e := output.ErrNetwork(err)
		e.Message = "Request timed out"
		e.Hint = "The service did not answer in time; check your connection or raise request_timeout"
		return e
	case errors.Is(err, context.Canceled):
		e := output.ErrNetwork(err)
		e.Message = "Request canceled"
		e.Retryable = false
		return e
	default:
		return output.ErrNetwork(err)
	}
}

// errorMessage extracts a human-readable message from an error body:
// the first non-empty of "error", "message", "detail" in a JSON object,
// else the trimmed plain-text body.
func errorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var obj map[string]any
	if json.Unmarshal(body, &obj) == nil {
		for _, field := range []string{"error", "message", "detail"} {
			switch v := obj[field].(type) {
			case string:
				if s := strings.TrimSpace(v); s != "" {
					return s
				}
			case map[string]any:
				// {"error": {"message": "..."}}
				if s, ok := v["message"].(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
		return ""
	}

	if strings.HasPrefix(trimmed, "<") {
		// HTML error pages carry no useful message.
		return ""
	}
	if len(trimmed) > maxPlainMessage {
		cut := maxPlainMessage
		for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
			cut--
		}
		trimmed = trimmed[:cut] + "…"
	}
	return trimmed
}

func retryAfterFromBody(body []byte) int {
	var obj struct {
		RetryAfter json.Number `json:"retry_after"`
	}
	if json.Unmarshal(body, &obj) != nil {
		return 0
	}
	if f, err := obj.RetryAfter.Float64(); err == nil && f > 0 {
		return int(f + 0.5)
	}
	return 0
}

// parseRetryAfter parses a Retry-After header given as delta-seconds or an
// HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
