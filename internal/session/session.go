// Package session runs the per-connection conversation state machine: it
// buffers client audio and screenshots, drives one upstream dialogue session
// per utterance, delegates screen questions to the vision service and streams
// synthesized speech back over the client transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 15 * time.Second
	DefaultReadyTimeout    = 5 * time.Second
	DefaultVisionTimeout   = 30 * time.Second
)

var tracer = otel.Tracer(instrumentationName)

// Transport delivers server messages to the connected client.
type Transport interface {
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) error
	SendTurnComplete(ctx context.Context) error
}

// Recorder receives lifecycle events. Record must not block.
type Recorder interface {
	Record(evt protocol.LifecycleEvent)
}

type Config struct {
	ConnectTimeout    time.Duration
	ResponseTimeout   time.Duration
	ReadyTimeout      time.Duration
	VisionTimeout     time.Duration
	InputSampleRate   int
	OutputSampleRate  int
	AbortOnBargeIn    bool
	MaxUtteranceBytes int
	DumpDir           string
}

type Dependencies struct {
	ID         string
	RemoteAddr string
	Transport  Transport
	Dialogue   upstream.Dialogue
	Vision     upstream.Vision
	Recorder   Recorder
	Metrics    *Metrics
	Logger     *slog.Logger
	Config     Config
	Now        func() time.Time
}

type pendingImage struct {
	mimeType string
	data     []byte
}

// Session is the state owned by one client connection. Buffers and the
// pending image are only touched by the Run goroutine.
type Session struct {
	id         string
	remoteAddr string
	transport  Transport
	dialogue   upstream.Dialogue
	vision     upstream.Vision
	recorder   Recorder
	metrics    *Metrics
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	state atomic.Int32

	utterance      [][]byte
	utteranceBytes int
	capWarned      bool
	image          *pendingImage
}

const (
	outcomeAnswered     = "answered"
	outcomeFailed       = "failed"
	outcomeToolCall     = "tool_call"
	outcomeVision       = "vision"
	outcomeVisionFailed = "vision_failed"
	outcomeNoImage      = "no_image"
	outcomeAborted      = "aborted"
)

type activeTurn struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	ctx     context.Context
	aborted bool
}

type turnResult struct {
	outcome  string
	category Category
	tool     *ToolCallRequest
}

func New(deps Dependencies) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if deps.Dialogue == nil {
		return nil, errors.New("dialogue service is required")
	}
	if deps.Vision == nil {
		return nil, errors.New("vision service is required")
	}
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.VisionTimeout <= 0 {
		cfg.VisionTimeout = DefaultVisionTimeout
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.CaptureSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.UpstreamSampleRate
	}

	return &Session{
		id:         deps.ID,
		remoteAddr: deps.RemoteAddr,
		transport:  deps.Transport,
		dialogue:   deps.Dialogue,
		vision:     deps.Vision,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With(slog.String("session_id", deps.ID)),
		cfg:        cfg,
		now:        deps.Now,
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run consumes client messages until inbound is closed or ctx is done. Each
// value is one of the protocol client message types. A turn in flight when
// Run returns is cancelled and waited for.
func (s *Session) Run(ctx context.Context, inbound <-chan any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateIdle)
	s.metrics.SessionOpened(ctx)
	s.record(protocol.LifecycleEvent{Kind: protocol.EventSessionOpened, RemoteAddr: s.remoteAddr})
	s.logger.Info("session opened")

	results := make(chan turnResult, 1)
	var (
		active     *activeTurn
		pendingEOU bool
	)

	defer func() {
		if active != nil {
			active.cancel()
			<-results
			s.finishTurn(active, turnResult{outcome: outcomeAborted})
		}
		s.setState(StateClosed)
		s.metrics.SessionClosed(context.Background())
		s.record(protocol.LifecycleEvent{Kind: protocol.EventSessionClosed})
		s.logger.Info("session closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.Audio:
				s.bufferAudio(ctx, m.Data)
			case protocol.Image:
				s.image = &pendingImage{mimeType: m.MimeType, data: m.Data}
				s.logger.Debug("screenshot buffered", slog.String("mime_type", m.MimeType), slog.Int("bytes", len(m.Data)))
			case protocol.EndOfUtterance:
				if active != nil {
					pendingEOU = true
					s.logger.Debug("end of utterance deferred until current turn ends")
					continue
				}
				active = s.startTurn(ctx, results)
			case protocol.Interrupt:
				if active == nil {
					s.logger.Debug("interrupt with no turn in flight")
					continue
				}
				if !s.cfg.AbortOnBargeIn {
					s.logger.Info("barge-in reported; turn continues", slog.String("turn_id", active.id))
					continue
				}
				s.logger.Info("barge-in; aborting turn", slog.String("turn_id", active.id))
				active.aborted = true
				active.cancel()
			default:
				s.logger.Warn("unexpected inbound message", slog.String("type", fmt.Sprintf("%T", msg)))
			}
		case res := <-results:
			if active == nil {
				continue
			}
			if active.aborted {
				res = turnResult{outcome: outcomeAborted}
			}
			if res.outcome == outcomeToolCall && res.tool != nil {
				s.startToolCall(active, *res.tool, results)
				continue
			}
			s.finishTurn(active, res)
			active = nil
			if pendingEOU {
				pendingEOU = false
				active = s.startTurn(ctx, results)
			}
		}
	}
}

func (s *Session) bufferAudio(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if limit := s.cfg.MaxUtteranceBytes; limit > 0 && s.utteranceBytes+len(pcm) > limit {
		s.metrics.Dropped(ctx, "utterance_full")
		if !s.capWarned {
			s.capWarned = true
			s.logger.Warn("utterance buffer full; dropping audio", slog.Int("max_bytes", limit))
		}
		return
	}
	s.utterance = append(s.utterance, pcm)
	s.utteranceBytes += len(pcm)
}

// takeUtterance joins the buffered chunks in arrival order and empties the
// buffer.
func (s *Session) takeUtterance() []byte {
	out := make([]byte, 0, s.utteranceBytes)
	for _, chunk := range s.utterance {
		out = append(out, chunk...)
	}
	s.utterance = nil
	s.utteranceBytes = 0
	s.capWarned = false
	return out
}

func (s *Session) startTurn(ctx context.Context, results chan<- turnResult) *activeTurn {
	if s.utteranceBytes == 0 {
		s.logger.Debug("end of utterance with empty buffer ignored")
		return nil
	}
	s.setState(StateBuffering)
	pcm := s.takeUtterance()

	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{
		id:      uuid.NewString(),
		started: s.now(),
		cancel:  cancel,
		ctx:     turnCtx,
	}
	s.setState(StateAwaitingModel)
	s.record(protocol.LifecycleEvent{Kind: protocol.EventTurnStarted, TurnID: t.id, Bytes: len(pcm)})
	s.logger.Info("turn started",
		slog.String("turn_id", t.id),
		slog.Int("bytes", len(pcm)),
		slog.Duration("audio", audio.Duration(len(pcm)/2, s.cfg.InputSampleRate)))

	go func() {
		results <- s.runTurn(turnCtx, t, pcm)
	}()
	return t
}

func (s *Session) startToolCall(t *activeTurn, req ToolCallRequest, results chan<- turnResult) {
	img := s.image
	s.image = nil
	s.record(protocol.LifecycleEvent{Kind: protocol.EventToolCall, TurnID: t.id, Outcome: req.Kind})

	if img == nil {
		s.logger.Info("vision requested without a screenshot", slog.String("turn_id", t.id))
		go func() {
			s.speak(t.ctx, noScreenshotMessage)
			results <- s.complete(t.ctx, turnResult{outcome: outcomeNoImage})
		}()
		return
	}

	s.setState(StateDelegatingVision)
	s.logger.Info("delegating to vision", slog.String("turn_id", t.id), slog.Int("image_bytes", len(img.data)))
	go func() {
		results <- s.runVision(t.ctx, req, *img)
	}()
}

func (s *Session) finishTurn(t *activeTurn, res turnResult) {
	d := s.now().Sub(t.started)
	s.setState(StateIdle)
	s.metrics.TurnFinished(context.Background(), res.outcome, d)
	evt := protocol.LifecycleEvent{
		Kind:       protocol.EventTurnFinished,
		TurnID:     t.id,
		Outcome:    res.outcome,
		DurationMS: d.Milliseconds(),
	}
	if res.category != "" {
		evt.Category = string(res.category)
	}
	s.record(evt)
	s.logger.Info("turn finished",
		slog.String("turn_id", t.id),
		slog.String("outcome", res.outcome),
		slog.Duration("duration", d))
}

func (s *Session) runTurn(ctx context.Context, t *activeTurn, pcm []byte) turnResult {
	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("turn.id", t.id),
		attribute.Int("utterance.bytes", len(pcm)),
	))
	defer span.End()

	s.dump(t.id, pcm)

	reply, err := s.converse(ctx, pcm)
	if ctx.Err() != nil {
		return turnResult{outcome: outcomeAborted}
	}
	if err != nil {
		cat := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(cat))
		s.metrics.UpstreamError(ctx, cat)
		s.logger.Warn("dialogue turn failed",
			slog.String("turn_id", t.id),
			slog.String("category", string(cat)),
			slogError(err))
		if reply.audioBytes == 0 {
			s.speak(ctx, DiagnosticMessage(cat))
		}
		return s.complete(ctx, turnResult{outcome: outcomeFailed, category: cat})
	}
	if reply.tool != nil {
		return turnResult{outcome: outcomeToolCall, tool: reply.tool}
	}
	if reply.text != "" && reply.audioBytes == 0 {
		s.speak(ctx, reply.text)
	}
	return s.complete(ctx, turnResult{outcome: outcomeAnswered})
}

type dialogueReply struct {
	audioBytes int
	text       string
	tool       *ToolCallRequest
}

func (s *Session) converse(ctx context.Context, pcm []byte) (dialogueReply, error) {
	ctx, span := tracer.Start(ctx, "upstream.dialogue")
	defer span.End()

	var reply dialogueReply
	sess, err := s.open(ctx, s.cfg.ConnectTimeout)
	if err != nil {
		return reply, err
	}
	defer sess.Close()

	if err := sess.SendAudio(ctx, pcm); err != nil {
		return reply, fmt.Errorf("send utterance: %w", err)
	}
	if err := sess.EndAudio(ctx); err != nil {
		return reply, fmt.Errorf("end utterance: %w", err)
	}

	var text strings.Builder
	n, err := s.forward(ctx, sess, func(part string) { text.WriteString(part) })
	reply.audioBytes = n
	reply.text = strings.TrimSpace(text.String())
	span.SetAttributes(attribute.Int("audio.bytes", n))
	if err != nil {
		return reply, err
	}
	if req, ok := ParseToolCall(reply.text); ok {
		reply.tool = &req
	}
	return reply, nil
}

func (s *Session) runVision(ctx context.Context, req ToolCallRequest, img pendingImage) turnResult {
	vctx, span := tracer.Start(ctx, "upstream.vision")
	callCtx, cancel := context.WithTimeout(vctx, s.cfg.VisionTimeout)
	text, err := s.vision.Analyze(callCtx, upstream.VisionRequest{
		Image:    img.data,
		MimeType: img.mimeType,
		Question: req.Question,
	})
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vision failed")
	}
	span.End()

	if ctx.Err() != nil {
		return turnResult{outcome: outcomeAborted}
	}
	if err != nil {
		cat := Classify(err)
		s.metrics.UpstreamError(ctx, cat)
		s.logger.Warn("vision analysis failed", slog.String("category", string(cat)), slogError(err))
		s.speak(ctx, visionFailedMessage)
		return s.complete(ctx, turnResult{outcome: outcomeVisionFailed, category: cat})
	}
	s.speak(ctx, text)
	return s.complete(ctx, turnResult{outcome: outcomeVision})
}

// complete tells the client the response is over unless the turn was
// cancelled.
func (s *Session) complete(ctx context.Context, res turnResult) turnResult {
	if ctx.Err() != nil {
		return turnResult{outcome: outcomeAborted}
	}
	if err := s.transport.SendTurnComplete(ctx); err != nil {
		s.logger.Warn("send turn complete failed", slogError(err))
	}
	return res
}

// open establishes a dialogue session and waits for it to be ready, both
// bounded by timeout.
func (s *Session) open(ctx context.Context, timeout time.Duration) (upstream.DialogueSession, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sess, err := s.dialogue.Open(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("open dialogue session: %w", err)
	}
	if err := upstream.WaitReady(connectCtx, sess); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("dialogue session not ready: %w", err)
	}
	return sess, nil
}

// forward relays the session's audio to the client until the model reports
// turn completion. The response timeout restarts on every event.
func (s *Session) forward(ctx context.Context, sess upstream.DialogueSession, onText func(string)) (int, error) {
	timer := time.NewTimer(s.cfg.ResponseTimeout)
	defer timer.Stop()

	total := 0
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-timer.C:
			return total, errResponseTimeout
		case ev, ok := <-sess.Events():
			if !ok {
				if err := sess.Err(); err != nil {
					return total, fmt.Errorf("dialogue session ended: %w", err)
				}
				return total, upstream.ErrSessionClosed
			}
			timer.Reset(s.cfg.ResponseTimeout)
			if len(ev.Audio) > 0 {
				s.setState(StateSpeaking)
				if err := s.transport.SendAudio(ctx, ev.Audio, s.cfg.OutputSampleRate); err != nil {
					return total, fmt.Errorf("forward audio: %w", err)
				}
				total += len(ev.Audio)
			}
			if ev.Text != "" && onText != nil {
				onText(ev.Text)
			}
			if ev.Interrupted {
				s.logger.Debug("upstream generation interrupted")
			}
			if ev.TurnComplete {
				return total, nil
			}
		}
	}
}

func (s *Session) record(evt protocol.LifecycleEvent) {
	if s.recorder == nil {
		return
	}
	evt.SessionID = s.id
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	s.recorder.Record(evt)
}

func (s *Session) dump(turnID string, pcm []byte) {
	if s.cfg.DumpDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.DumpDir, 0o755); err != nil {
		s.logger.Warn("create dump dir failed", slogError(err))
		return
	}
	path := filepath.Join(s.cfg.DumpDir, fmt.Sprintf("%s-%s.wav", s.id, turnID))
	f, err := os.Create(path)
	if err != nil {
		s.logger.Warn("create utterance dump failed", slogError(err))
		return
	}
	defer f.Close()
	if err := audio.WriteWAV(f, pcm, s.cfg.InputSampleRate, 1); err != nil {
		s.logger.Warn("write utterance dump failed", slogError(err))
		return
	}
	s.logger.Debug("utterance dumped", slog.String("path", path))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
