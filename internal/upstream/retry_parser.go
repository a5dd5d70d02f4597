package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryHint is the subset of a provider error body that can carry a delay.
type retryHint struct {
	RetryAfter json.RawMessage `json:"retryAfter"`
	RetryDelay string          `json:"retryDelay"`
	Error      struct {
		RetryDelay string `json:"retryDelay"`
	} `json:"error"`
}

// ParseRetryDelay extracts how long the provider asked us to wait from a
// 429 or 5xx response. The Retry-After header wins; otherwise the JSON body
// is checked for retryAfter (seconds) or retryDelay ("3.5s").
// Returns 0 if no hint is present.
// NOTE: This consumes and restores the response body if it needs to read it.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var hint retryHint
	if err := json.Unmarshal(bodyBytes, &hint); err != nil {
		return 0
	}

	if len(hint.RetryAfter) > 0 {
		raw := strings.Trim(string(hint.RetryAfter), `"`)
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	for _, delay := range []string{hint.RetryDelay, hint.Error.RetryDelay} {
		if delay == "" {
			continue
		}
		if d, err := time.ParseDuration(delay); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
