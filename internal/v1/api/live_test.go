package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/store"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/voip"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

type liveFixture struct {
	store  *store.MemoryStore
	live   *LiveStream
	server *httptest.Server
}

func newLiveFixture(t *testing.T, origins []string) *liveFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &liveFixture{store: store.NewMemoryStore()}
	f.live = NewLiveStream(f.store, nil, origins)

	router := gin.New()
	h := NewHandler(f.store, new(MockRefresher), &stubTurn{}, voip.NewConfig(false))
	RegisterRoutes(router, h, f.live, &stubValidator{userID: aliceID}, nil)

	f.server = httptest.NewServer(router)
	t.Cleanup(func() {
		_ = f.live.Shutdown(context.Background())
		f.server.Close()
	})
	return f
}

func (f *liveFixture) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/capabilities?access_token=good"
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) LiveMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg LiveMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestLiveStream_InitialRecordAndUpdates(t *testing.T) {
	f := newLiveFixture(t, nil)
	_, err := f.store.Update(context.Background(), aliceID, func(r *homeserver.CapabilitiesRecord) {
		r.CanChangePassword = false
	})
	require.NoError(t, err)

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, MessageTypeCapabilities, first.Type)
	assert.Equal(t, aliceID, first.UserID)
	assert.False(t, first.Capabilities.CanChangePassword)
	assert.False(t, first.UsesDelegatedAuth)

	_, err = f.store.Update(context.Background(), aliceID, func(r *homeserver.CapabilitiesRecord) {
		r.AuthenticationIssuer = ptr.To("https://auth.example.org/")
	})
	require.NoError(t, err)

	second := readFrame(t, conn)
	assert.True(t, second.UsesDelegatedAuth)
}

func TestLiveStream_NoRecordYet(t *testing.T) {
	f := newLiveFixture(t, nil)

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.LiveSubscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.store.Update(context.Background(), aliceID, func(r *homeserver.CapabilitiesRecord) {})
	require.NoError(t, err)

	msg := readFrame(t, conn)
	assert.Equal(t, aliceID, msg.UserID)
}

func TestLiveStream_RejectsUnknownOrigin(t *testing.T) {
	f := newLiveFixture(t, []string{"https://app.example.org"})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := f.dial(t, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.org")
	conn, _, err := f.dial(t, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestLiveStream_RequiresToken(t *testing.T) {
	f := newLiveFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/capabilities"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLiveStream_ShutdownClosesConnections(t *testing.T) {
	f := newLiveFixture(t, nil)

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.live.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

type unsubscribableStore struct {
	*store.MemoryStore
}

func (unsubscribableStore) Subscribe(context.Context, string, *sync.WaitGroup, func(*homeserver.CapabilitiesRecord)) error {
	return errors.New("redis unavailable")
}

func TestLiveStream_ClosesWhenSubscribeFails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	memStore := store.NewMemoryStore()
	live := NewLiveStream(unsubscribableStore{memStore}, nil, nil)
	t.Cleanup(func() { _ = live.Shutdown(context.Background()) })

	router := gin.New()
	RegisterRoutes(router, NewHandler(memStore, new(MockRefresher), &stubTurn{}, voip.NewConfig(false)), live, &stubValidator{userID: aliceID}, nil)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/capabilities?access_token=good"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LiveSubscribers))
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"https://app.example.org", "http://localhost:3000"}

	tests := []struct {
		origin  string
		wantErr bool
	}{
		{origin: "", wantErr: false},
		{origin: "https://app.example.org", wantErr: false},
		{origin: "http://localhost:3000", wantErr: false},
		{origin: "http://app.example.org", wantErr: true},
		{origin: "https://app.example.org.evil.com", wantErr: true},
		{origin: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/capabilities", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			err := validateOrigin(req, allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
