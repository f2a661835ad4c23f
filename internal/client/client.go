// Package client is the terminal side of a live conversation: it captures
// microphone frames, runs voice activity detection, streams utterances to
// the server and plays the spoken replies.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/playback"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Capture delivers microphone frames to onFrame in capture order until ctx
// is done.
type Capture interface {
	Run(ctx context.Context, onFrame func(samples []float32)) error
}

type Config struct {
	Threshold     float64
	SilenceFrames int
	// EchoGuard pauses detection while assistant audio plays. Barge-in is
	// unavailable while it is on.
	EchoGuard bool
}

type Client struct {
	conn     Conn
	capture  Capture
	renderer playback.Renderer
	screen   ScreenCapturer
	cfg      Config
	logger   *slog.Logger

	detector  *audio.Detector
	scheduler *playback.Scheduler

	writeMu sync.Mutex
}

// Dial connects to a live endpoint such as ws://localhost:8080/live.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// New wires a client. screen may be nil to disable screenshots.
func New(conn Conn, capture Capture, renderer playback.Renderer, screen ScreenCapturer, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:     conn,
		capture:  capture,
		renderer: renderer,
		screen:   screen,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "client")),
		detector: audio.NewDetector(audio.DetectorConfig{
			Threshold:             cfg.Threshold,
			RequiredSilenceFrames: cfg.SilenceFrames,
		}),
	}
}

// Run streams until ctx is done, the server hangs up or capture fails.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.scheduler = playback.NewScheduler(c.renderer, playback.Options{
		OnFinished: c.playbackFinished,
		Logger:     c.logger,
	})
	defer c.scheduler.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(ctx) }()
	go func() {
		errCh <- c.capture.Run(ctx, func(samples []float32) { c.handleFrame(ctx, samples) })
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	_ = c.conn.Close()
	return err
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read from server: %w", err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed server message", slogError(err))
			continue
		}
		switch m := msg.(type) {
		case protocol.Audio:
			if c.cfg.EchoGuard {
				if ev := c.detector.SetPaused(true); ev != audio.NoEvent {
					c.logger.Debug("voice detection", slog.String("event", ev.String()))
				}
			}
			if err := c.scheduler.EnqueuePCM(m.Data, m.SampleRate); err != nil {
				if errors.Is(err, playback.ErrClosed) {
					return nil
				}
				c.logger.Warn("enqueue playback failed", slogError(err))
			}
		case protocol.TurnComplete:
			c.logger.Info("assistant turn complete")
		}
	}
}

// flusher is implemented by renderers that hold a partial device buffer
// between chunks.
type flusher interface {
	Flush() error
}

func (c *Client) playbackFinished() {
	if f, ok := c.renderer.(flusher); ok {
		if err := f.Flush(); err != nil {
			c.logger.Warn("flush playback failed", slogError(err))
		}
	}
	if !c.cfg.EchoGuard {
		return
	}
	if ev := c.detector.SetPaused(false); ev != audio.NoEvent {
		c.logger.Debug("voice detection", slog.String("event", ev.String()))
	}
}

func (c *Client) handleFrame(ctx context.Context, samples []float32) {
	dec := c.detector.Process(samples)
	if dec.Forward {
		if err := c.send(protocol.NewAudio(audio.SamplesToBytes(samples))); err != nil {
			c.logger.Warn("send audio failed", slogError(err))
		}
	}

	switch dec.Event {
	case audio.SpeechStart:
		c.logger.Info("speech started", slog.Float64("rms", dec.RMS))
		if c.scheduler.BargeIn() {
			c.logger.Info("barge-in; playback cleared")
			if err := c.send(protocol.NewInterrupt()); err != nil {
				c.logger.Warn("send interrupt failed", slogError(err))
			}
		}
		if c.screen != nil {
			go c.sendScreenshot(ctx)
		}
	case audio.SpeechEnd:
		c.logger.Info("speech ended")
		if err := c.send(protocol.NewEndOfUtterance()); err != nil {
			c.logger.Warn("send end of utterance failed", slogError(err))
		}
	}
}

func (c *Client) sendScreenshot(ctx context.Context) {
	res := c.screen.Capture(ctx)
	if !res.Success {
		c.logger.Warn("screen capture failed", slog.String("error", res.Error))
		return
	}
	if err := c.send(protocol.NewImage(res.MimeType, res.Image)); err != nil {
		c.logger.Warn("send screenshot failed", slogError(err))
		return
	}
	c.logger.Debug("screenshot sent", slog.Int("bytes", len(res.Image)))
}

func (c *Client) send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
