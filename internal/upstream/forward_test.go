package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func tokenWithKey(access, key string) oauth2.TokenSource {
	tok := (&oauth2.Token{AccessToken: access, TokenType: "Bearer"}).
		WithExtra(map[string]any{APIKeyExtra: key})
	return oauth2.StaticTokenSource(tok)
}

func TestForward_AttachesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/Catalog/List", r.URL.Path)
		require.Equal(t, "city=pune", r.URL.RawQuery)
		require.Equal(t, "Bearer T1", r.Header.Get("Authorization"))
		require.Equal(t, "K1", r.Header.Get("x-api-key"))
		require.Empty(t, r.Header.Get("Cookie"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"q":1}`, string(body))
		w.Header().Set("X-Provider", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, "")
	hdr := http.Header{}
	hdr.Set("Cookie", "admin=1")
	hdr.Set("x-api-key", "client-supplied")
	hdr.Set("Content-Type", "application/json")

	resp, err := client.Forward(context.Background(), tokenWithKey("T1", "K1"), ForwardRequest{
		Method:   http.MethodPost,
		Path:     "api/Catalog/List",
		RawQuery: "city=pune",
		Header:   hdr,
		Body:     []byte(`{"q":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"items":[]}`, string(resp.Body))
	require.Equal(t, "yes", resp.Header.Get("X-Provider"))
}

func TestForward_ServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, "")
	resp, err := client.Forward(context.Background(), tokenWithKey("T1", "K1"), ForwardRequest{Path: "/x"})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestForward_RequiresAPIKey(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", time.Second, "")
	_, err := client.Forward(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "T1"}), ForwardRequest{Path: "/x"})
	require.ErrorIs(t, err, ErrNoAPIKey)
}
