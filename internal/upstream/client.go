// Package upstream talks to the diagnostics provider: the login call that
// issues credentials, and the authenticated passthrough for everything else.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/diag-nexus/internal/util"
	"github.com/pysugar/diag-nexus/internal/version"
	"github.com/rs/zerolog/log"
)

const (
	// LoginPath is the provider's login endpoint.
	LoginPath = "/api/Login/Login"

	// SuccessMarker is echoed in the response field of a successful login.
	SuccessMarker = "Success"

	// DefaultBlockedSentinel is the response text the provider uses while it
	// refuses logins from this client.
	DefaultBlockedSentinel = "Login blocked"

	// maxBodyBytes caps how much of a provider response is buffered.
	maxBodyBytes = 4 << 20
)

// UserAgent identifies this proxy to the provider.
func UserAgent() string {
	return "diag-nexus/" + version.Version
}

// Credentials are the login parameters sent to the provider.
type Credentials struct {
	Username   string
	Password   string
	PortalType string
	UserType   string
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	PortalType string `json:"portalType"`
	UserType   string `json:"userType"`
}

// LoginResult is the provider's login response body.
type LoginResult struct {
	Response    string          `json:"response"`
	Message     string          `json:"message,omitempty"`
	APIKey      string          `json:"apiKey"`
	AccessToken string          `json:"accessToken"`
	RespID      string          `json:"respId"`
	Exp         json.RawMessage `json:"exp,omitempty"`
}

// Client handles communication with the diagnostics provider.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	blockedSentinel string
}

// NewClient creates a client for baseURL. Every call carries timeout; a
// call that exceeds it fails with KindNetwork.
func NewClient(baseURL string, timeout time.Duration, blockedSentinel string) *Client {
	if blockedSentinel == "" {
		blockedSentinel = DefaultBlockedSentinel
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: timeout},
		blockedSentinel: blockedSentinel,
	}
}

// BaseURL returns the provider root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Login exchanges creds for a fresh credential set. Any outcome other than
// a success response is returned as *Error.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	payload, err := json.Marshal(loginRequest{
		Username:   creds.Username,
		Password:   creds.Password,
		PortalType: creds.PortalType,
		UserType:   creds.UserType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+LoginPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "login request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "reading login response failed", Err: err}
	}

	var result LoginResult
	decodeErr := json.Unmarshal(body, &result)

	if c.isBlocked(result.Response) {
		log.Warn().Int("status", resp.StatusCode).Msg("🚫 Provider is blocking logins")
		return nil, &Error{Kind: KindBlocked, StatusCode: resp.StatusCode, Message: result.Response}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body = io.NopCloser(bytes.NewReader(body))
		retryAfter := ParseRetryDelay(resp)
		log.Warn().
			Int("status", resp.StatusCode).
			Dur("retry_after", retryAfter).
			Str("body", util.TruncateBytes(body)).
			Msg("⚠️ Provider login failed with a retryable status")
		return nil, &Error{
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Message:    statusMessage(resp.StatusCode, result),
			RetryAfter: retryAfter,
		}
	case resp.StatusCode >= 400:
		log.Warn().
			Int("status", resp.StatusCode).
			Str("body", util.TruncateBytes(body)).
			Msg("❌ Provider rejected login")
		return nil, &Error{Kind: KindRejected, StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode, result)}
	}

	if decodeErr != nil {
		return nil, &Error{
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Message:    "malformed login response",
			Err:        decodeErr,
		}
	}
	if !strings.EqualFold(strings.TrimSpace(result.Response), SuccessMarker) {
		return nil, &Error{Kind: KindRejected, StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode, result)}
	}
	if result.APIKey == "" {
		return nil, &Error{Kind: KindRejected, StatusCode: resp.StatusCode, Message: "login response carried no api key"}
	}
	return &result, nil
}

func (c *Client) isBlocked(response string) bool {
	if response == "" {
		return false
	}
	return strings.Contains(strings.ToLower(response), strings.ToLower(c.blockedSentinel))
}

func statusMessage(status int, result LoginResult) string {
	if result.Response != "" && !strings.EqualFold(result.Response, SuccessMarker) {
		return result.Response
	}
	if result.Message != "" {
		return result.Message
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}

// IsTimeout reports whether err is a client-side timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
