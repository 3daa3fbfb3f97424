package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chatgateway/internal/session"
)

// WebSocketConfig tunes the socket adapter.
type WebSocketConfig struct {
	// AllowedOrigins lists the accepted Origin headers. Empty accepts any origin.
	AllowedOrigins []string
	// ReadLimit caps one client frame in bytes.
	ReadLimit int64
	// PingInterval is how often the server pings. A client that stays silent
	// for two intervals is disconnected. Zero disables pings.
	PingInterval time.Duration
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
}

const (
	defaultReadLimit    = 64 << 10
	defaultWriteTimeout = 10 * time.Second
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// ChatWebSocket upgrades GET /v1/chat/ws and hands the socket to the session
// engine. Sessions live on ctx rather than the request context, which is not
// cancelled once the connection is hijacked.
func ChatWebSocket(ctx context.Context, engine *session.Engine, cfg WebSocketConfig) echo.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins)
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// The upgrader has already answered the client.
			slog.Debug("websocket upgrade failed", "error", err)
			return nil
		}
		if err := engine.Serve(ctx, newWSConn(ws, cfg)); err != nil {
			slog.Warn("websocket session ended with error", "error", err)
		}
		return nil
	}
}

// wsConn adapts a gorilla connection to session.Conn and keeps it alive with
// pings.
type wsConn struct {
	ws   *websocket.Conn
	cfg  WebSocketConfig
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn, cfg WebSocketConfig) *wsConn {
	c := &wsConn{ws: ws, cfg: cfg, done: make(chan struct{})}
	ws.SetReadLimit(cfg.ReadLimit)
	if cfg.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
		})
		go c.pingLoop()
	}
	return c
}

// ReadMessage returns the next text frame. Binary frames are ignored.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			if c.cfg.PingInterval > 0 {
				_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
			}
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the socket. Safe to call more
// than once.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
