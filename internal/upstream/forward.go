package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// APIKeyExtra is the oauth2.Token extra field that carries the provider api
// key alongside the access token.
const APIKeyExtra = "api_key"

// hopHeaders are never relayed in either direction.
var hopHeaders = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
	"Cookie":              true,
}

// ForwardRequest is a buffered request to relay to the provider.
type ForwardRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ForwardResponse is the buffered provider response.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrNoAPIKey is returned when the token source yields a token without an
// api key.
var ErrNoAPIKey = errors.New("token carries no provider api key")

// Forward relays fr to the provider. The access token from ts is attached
// as a bearer token by oauth2.Transport; the api key rides in the token's
// extra data and is sent as x-api-key. Transport failures and 5xx or 429
// responses are returned as *Error together with whatever response arrived.
func (c *Client) Forward(ctx context.Context, ts oauth2.TokenSource, fr ForwardRequest) (*ForwardResponse, error) {
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("obtain provider token: %w", err)
	}
	apiKey, _ := tok.Extra(APIKeyExtra).(string)
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	target := c.baseURL + "/" + strings.TrimLeft(fr.Path, "/")
	if fr.RawQuery != "" {
		target += "?" + fr.RawQuery
	}
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(fr.Body) > 0 {
		body = bytes.NewReader(fr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward request: %w", err)
	}
	copyHeaders(req.Header, fr.Header)
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("User-Agent", UserAgent())

	client := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(tok),
			Base:   c.httpClient.Transport,
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "forward request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "reading provider response failed", Err: err}
	}

	out := &ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     make(http.Header),
		Body:       respBody,
	}
	copyHeaders(out.Header, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		resp.Body = io.NopCloser(bytes.NewReader(respBody))
		return out, &Error{
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			RetryAfter: ParseRetryDelay(resp),
		}
	}
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
