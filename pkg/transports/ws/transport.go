// Package ws exposes the session protocol over a gorilla websocket
// endpoint. Each connection gets its own handler instance and a buffered
// send channel drained by a single writer goroutine, so handler code can
// send from any goroutine without fighting over the socket.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/logging"
	"github.com/parley-ai/parley/pkg/protocol"
)

// A Sender pushes one envelope to the peer.
type Sender interface {
	Send(env protocol.Envelope) error
}

// A Handler consumes inbound envelopes for one connection.
type Handler interface {
	HandleMessage(ctx context.Context, env protocol.Envelope)
	Close()
}

// HandlerFactory builds the per-connection handler around its sender.
type HandlerFactory func(sender Sender) Handler

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ReadLimit in bytes per frame, default 1MB.
	ReadLimit int64 `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	factory  HandlerFactory
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	draining atomic.Bool
}

func New(cfg Config, factory HandlerFactory) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(slog.Default(), "ws_transport"),
		conns:  make(map[*wsConn]struct{}),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("listening", slog.String("addr", t.cfg.Addr), slog.String("path", t.cfg.Path))
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for c := range t.conns {
		c.close()
	}
	t.conns = make(map[*wsConn]struct{})
	t.mu.Unlock()
	return nil
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	raw, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newWSConn(raw)
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	go conn.writeLoop()
	t.readLoop(r.Context(), conn)

	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}

func (t *Transport) readLoop(ctx context.Context, conn *wsConn) {
	handler := t.factory(conn)
	defer handler.Close()
	defer conn.close()

	raw := conn.raw
	raw.SetReadLimit(t.cfg.ReadLimit)

	for {
		_, msg, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}
		env, err := protocol.Decode(msg)
		if err != nil {
			// Malformed frames are dropped; the connection stays up.
			t.logger.Debug("dropped malformed frame", slog.String("error", err.Error()))
			continue
		}
		handler.HandleMessage(ctx, env)
	}
}

// wsConn wraps one socket with a buffered outbound queue. Send blocks
// when the queue is full, applying backpressure to the producer instead
// of dropping frames mid-turn.
type wsConn struct {
	raw       *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{
		raw:    raw,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) Send(env protocol.Envelope) error {
	buf, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- buf:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()
	for {
		select {
		case buf := <-c.sendCh:
			_ = c.raw.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.raw.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.raw.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.raw.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.raw.Close()
			return
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
