package authmetadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullDocument = `{
	"issuer": "https://auth.example.org/",
	"authorization_endpoint": "https://auth.example.org/authorize",
	"token_endpoint": "https://auth.example.org/oauth2/token",
	"jwks_uri": "https://auth.example.org/oauth2/keys.json",
	"account_management_uri": "https://auth.example.org/account/",
	"account_management_actions_supported": ["org.matrix.profile", "org.matrix.session_end", "org.matrix.device_delete"]
}`

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	hc, err := matrixhttp.NewClient(server.URL, 5*time.Second,
		matrixhttp.WithHTTPClient(server.Client()),
		matrixhttp.WithBreaker(matrixhttp.NewBreaker(t.Name())))
	require.NoError(t, err)
	return NewClient(hc)
}

func TestGet_StableEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathStable, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fullDocument))
	})
	client := newTestClient(t, mux)

	meta, err := client.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.org/", meta.Issuer)
	assert.Equal(t, "https://auth.example.org/account/", *meta.AccountManagementURI)
	assert.Equal(t, []string{"org.matrix.profile", "org.matrix.session_end", "org.matrix.device_delete"}, meta.AccountManagementActionsSupported)
	assert.Equal(t, "https://auth.example.org/oauth2/keys.json", *meta.JWKSURI)
}

func TestGet_FallsBackToUnstable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathStable, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`))
	})
	mux.HandleFunc(PathUnstable, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"issuer":"https://auth.example.org/"}`))
	})
	client := newTestClient(t, mux)

	meta, err := client.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.org/", meta.Issuer)
	assert.Nil(t, meta.AccountManagementURI)
	assert.Nil(t, meta.AccountManagementActionsSupported)
}

func TestGet_NotSupported(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())

	_, err := client.Get(context.Background())
	require.Error(t, err)
	assert.True(t, matrixhttp.IsNotFound(err))
}

func TestGet_MissingIssuer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathStable, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account_management_uri":"https://auth.example.org/account/"}`))
	})
	client := newTestClient(t, mux)

	_, err := client.Get(context.Background())
	assert.ErrorIs(t, err, ErrMissingIssuer)
}

func TestGet_ServerErrorDoesNotFallBack(t *testing.T) {
	unstableCalled := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(PathStable, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc(PathUnstable, func(w http.ResponseWriter, r *http.Request) {
		unstableCalled <- struct{}{}
	})
	client := newTestClient(t, mux)

	_, err := client.Get(context.Background())
	require.Error(t, err)
	assert.Empty(t, unstableCalled)
}
