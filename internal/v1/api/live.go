package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is how many updates may queue for a slow client before new ones are dropped.
	sendBuffer = 8
)

// MessageTypeCapabilities tags live capability frames.
const MessageTypeCapabilities = "capabilities"

// LiveMessage is one frame of the live stream.
type LiveMessage struct {
	Type string `json:"type"`
	CapabilitiesResponse
}

// wsConnection defines the WebSocket operations the live stream needs.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Subscriber is a store whose updates can be followed.
type Subscriber interface {
	homeserver.RecordStore
	Subscribe(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(*homeserver.CapabilitiesRecord)) error
}

// ConnectionLimiter decides whether a new WebSocket may be opened. It writes the rejection.
type ConnectionLimiter interface {
	CheckWebSocket(c *gin.Context) bool
}

// LiveStream pushes a user's capabilities over a WebSocket whenever they change.
type LiveStream struct {
	store          Subscriber
	limiter        ConnectionLimiter
	allowedOrigins []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLiveStream creates the stream. limiter may be nil.
func NewLiveStream(store Subscriber, limiter ConnectionLimiter, allowedOrigins []string) *LiveStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveStream{
		store:          store,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ServeWs upgrades an authenticated request and starts streaming.
// GET /ws/capabilities
func (l *LiveStream) ServeWs(c *gin.Context) {
	if l.limiter != nil && !l.limiter.CheckWebSocket(c) {
		return
	}

	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	if err := validateOrigin(c.Request, l.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, l.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	l.HandleConnection(c.Request.Context(), conn, claims.UserID())
}

// HandleConnection streams userID's record over an established connection until either side
// goes away or the stream shuts down.
func (l *LiveStream) HandleConnection(reqCtx context.Context, conn wsConnection, userID string) {
	// The request context ends when the handler returns; keep its log fields only.
	ctx, cancel := context.WithCancel(l.ctx)
	deviceID, _ := reqCtx.Value(logging.DeviceIDKey).(string)
	logCtx := logging.WithUser(ctx, userID, deviceID)
	if cid, ok := reqCtx.Value(logging.CorrelationIDKey).(string); ok {
		logCtx = logging.WithCorrelationID(logCtx, cid)
	}

	send := make(chan []byte, sendBuffer)
	enqueue := func(r *homeserver.CapabilitiesRecord) {
		data, err := json.Marshal(LiveMessage{Type: MessageTypeCapabilities, CapabilitiesResponse: newCapabilitiesResponse(r)})
		if err != nil {
			logging.Error(logCtx, "Failed to encode capabilities frame", zap.Error(err))
			return
		}
		select {
		case send <- data:
		case <-ctx.Done():
		default:
			logging.Warn(logCtx, "Live subscriber is slow, dropping capabilities update")
		}
	}

	// Subscribe before reading so no update written in between is missed.
	if err := l.store.Subscribe(ctx, userID, &l.wg, enqueue); err != nil {
		logging.Error(logCtx, "Failed to subscribe to capabilities updates", zap.Error(err))
		cancel()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "updates unavailable"))
		_ = conn.Close()
		return
	}

	record, err := l.store.Get(ctx, userID)
	switch {
	case err == nil:
		enqueue(record)
	case !errors.Is(err, homeserver.ErrRecordNotFound):
		logging.Warn(logCtx, "Failed to load initial capabilities", zap.Error(err))
	}

	metrics.LiveSubscribers.Inc()
	logging.Info(logCtx, "Live capabilities subscriber connected")

	l.wg.Add(2)
	go l.writePump(ctx, logCtx, conn, send)
	go l.readPump(logCtx, conn, cancel)
}

// readPump discards client frames and ends the subscription when the connection drops.
func (l *LiveStream) readPump(logCtx context.Context, conn wsConnection, cancel context.CancelFunc) {
	defer func() {
		cancel()
		metrics.LiveSubscribers.Dec()
		logging.Info(logCtx, "Live capabilities subscriber disconnected")
		l.wg.Done()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (l *LiveStream) writePump(ctx, logCtx context.Context, conn wsConnection, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		l.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case message := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warn(logCtx, "error writing capabilities frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown closes every live connection and waits for their goroutines.
func (l *LiveStream) Shutdown(ctx context.Context) error {
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(ctx, "Live capabilities stream closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("live stream shutdown: %w", ctx.Err())
	}
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // non-browser client
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
