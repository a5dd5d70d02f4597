package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/diag-nexus/internal/auth/token"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/pysugar/diag-nexus/internal/logging"
	"github.com/pysugar/diag-nexus/internal/proxy/middleware"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
	"github.com/pysugar/diag-nexus/internal/upstream"
	"github.com/pysugar/diag-nexus/internal/util"
	"golang.org/x/oauth2"
)

const maxForwardBody = 4 << 20

// Forwarder relays a request to the provider.
type Forwarder interface {
	Forward(ctx context.Context, ts oauth2.TokenSource, fr upstream.ForwardRequest) (*upstream.ForwardResponse, error)
}

// ProviderProxy relays gated requests to the provider through the shared
// queue and breaker, so passthrough traffic is paced and counted together
// with logins.
type ProviderProxy struct {
	client  Forwarder
	queue   *queue.Queue
	breaker *breaker.Breaker
	service oauth2.TokenSource
}

// NewProviderProxy creates the passthrough. service supplies credentials
// for callers admitted on the service session. It is called outside the
// queue, so it may itself go through the queue.
func NewProviderProxy(client Forwarder, q *queue.Queue, br *breaker.Breaker, service oauth2.TokenSource) *ProviderProxy {
	return &ProviderProxy{client: client, queue: q, breaker: br, service: service}
}

func (p *ProviderProxy) tokenSource(sess *models.Session) oauth2.TokenSource {
	if sess.Flow == models.FlowService && p.service != nil {
		return p.service
	}
	return oauth2.StaticTokenSource(token.SessionToken(sess))
}

// ServeHTTP handles /api/provider/*. Provider 4xx responses are relayed
// as-is; 5xx, 429 and transport failures count against the breaker and
// are reported as a stable 502 or 504.
func (p *ProviderProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_error", "missing_session", "No session")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "Failed to read request body")
		return
	}

	fr := upstream.ForwardRequest{
		Method:   r.Method,
		Path:     chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}
	// Resolve credentials before queueing: a service token may need a
	// refresh, and that refresh runs on the same queue worker.
	tok, err := p.tokenSource(sess).Token()
	if err != nil {
		p.writeForwardError(w, r, err)
		return
	}
	ts := oauth2.StaticTokenSource(tok)

	var resp *upstream.ForwardResponse
	var relayErr error
	call := func(qctx context.Context) error {
		return p.breaker.Execute(qctx, func(bctx context.Context) error {
			out, err := p.client.Forward(bctx, ts, fr)
			resp, relayErr = out, err
			var upErr *upstream.Error
			if errors.As(err, &upErr) && upErr.Retryable() {
				return err
			}
			return nil
		})
	}

	err = p.queue.Enqueue(call, queue.PriorityNormal, queue.WithLabel("passthrough")).Wait(r.Context())
	if err == nil {
		err = relayErr
	}
	if err != nil {
		p.writeForwardError(w, r, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		logger.Debug().Err(err).Msg("client went away during passthrough")
	}
}

func (p *ProviderProxy) writeForwardError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context())
	if writeUnavailable(w, err) {
		return
	}

	var upErr *upstream.Error
	var failed *token.RefreshFailedError
	switch {
	case errors.As(err, &failed), errors.Is(err, token.ErrNoServiceCredentials):
		writeLoginError(w, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "upstream_error", "upstream_timeout", "The diagnostics provider did not answer in time")
	case errors.As(err, &upErr) && upErr.Kind == upstream.KindServer:
		logger.Warn().
			Int("status", upErr.StatusCode).
			Str("path", r.URL.Path).
			Msg("⚠️ Provider returned a server error")
		if upErr.RetryAfter > 0 {
			setRetryAfter(w, upErr.RetryAfter)
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream_error", "The diagnostics provider returned an error")
	case errors.As(err, &upErr) && upErr.Kind == upstream.KindNetwork:
		if upstream.IsTimeout(err) {
			writeError(w, http.StatusGatewayTimeout, "upstream_error", "upstream_timeout", "The diagnostics provider did not answer in time")
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream_unreachable", "The diagnostics provider could not be reached")
	default:
		logger.Error().Err(err).Str("detail", util.TruncateLog(err.Error(), 256)).Msg("❌ Passthrough failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "Internal error")
	}
}
