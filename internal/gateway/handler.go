// Package gateway accepts client WebSocket connections and runs one session
// per connection.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/session"
	"golang.org/x/time/rate"
)

type Config struct {
	MaxMessageBytes  int64
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	OutboundQueue    int
	InboundPerSecond float64
	InboundBurst     int
}

// SessionFactory builds the orchestrator for a new connection from remoteAddr.
type SessionFactory func(id, remoteAddr string, transport session.Transport) (*session.Session, error)

type Handler struct {
	cfg        Config
	newSession SessionFactory
	tracker    *Tracker
	metrics    *session.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func NewHandler(cfg Config, factory SessionFactory, tracker *Tracker, metrics *session.Metrics, logger *slog.Logger) (*Handler, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Handler{
		cfg:        cfg,
		newSession: factory,
		tracker:    tracker,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.tracker.Draining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	readTimeout := 3 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	id := uuid.NewString()
	logger := h.logger.With(slog.String("session_id", id), slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unregister := h.tracker.Register(id, cancel)
	defer unregister()

	transport := newTransport(h.cfg.OutboundQueue, ctx.Done(), h.cfg.WriteTimeout)
	sess, err := h.newSession(id, r.RemoteAddr, transport)
	if err != nil {
		logger.Error("create session failed", slogError(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(h.cfg.WriteTimeout))
		return
	}

	writerDone := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           conn,
			ctx:          ctx,
			queue:        transport.queue,
			pingInterval: h.cfg.PingInterval,
			writeTimeout: h.cfg.WriteTimeout,
		}
		err := w.Run()
		if err != nil {
			logger.Debug("outbound writer stopped", slogError(err))
		}
		cancel()
		writerDone <- err
	}()

	inbound := make(chan any, 64)
	go h.readLoop(ctx, conn, inbound, logger)

	if err := sess.Run(ctx, inbound); err != nil {
		logger.Warn("session ended with error", slogError(err))
	}
	cancel()
	<-writerDone
}

// readLoop decodes client frames onto out and closes it when the connection
// ends. Malformed and rate-limited frames are dropped.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- any, logger *slog.Logger) {
	defer close(out)

	var limiter *rate.Limiter
	if h.cfg.InboundPerSecond > 0 {
		burst := h.cfg.InboundBurst
		if burst <= 0 {
			burst = int(h.cfg.InboundPerSecond)
		}
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.InboundPerSecond), burst)
	}

	limited := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("client connection lost", slogError(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			h.metrics.Dropped(ctx, "binary")
			logger.Warn("dropping binary frame")
			continue
		}
		if limiter != nil && !limiter.Allow() {
			h.metrics.Dropped(ctx, "rate_limited")
			if !limited {
				limited = true
				logger.Warn("inbound rate limit exceeded; dropping frames")
			}
			continue
		}
		limited = false

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			code := "bad_request"
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				code = de.Code
			}
			h.metrics.Dropped(ctx, "malformed")
			logger.Warn("dropping malformed message", slog.String("code", code), slogError(err))
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
