package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/upstream"
)

type fakeTransport struct {
	mu        sync.Mutex
	audio     [][]byte
	rates     []int
	completes int
	notify    chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notify: make(chan string, 256)}
}

func (f *fakeTransport) SendAudio(_ context.Context, pcm []byte, sampleRate int) error {
	f.mu.Lock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	f.rates = append(f.rates, sampleRate)
	f.mu.Unlock()
	f.notify <- protocol.TypeAudio
	return nil
}

func (f *fakeTransport) SendTurnComplete(context.Context) error {
	f.mu.Lock()
	f.completes++
	f.mu.Unlock()
	f.notify <- protocol.TypeTurnComplete
	return nil
}

func (f *fakeTransport) counts() (audio, completes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio), f.completes
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []protocol.LifecycleEvent
}

func (r *fakeRecorder) Record(evt protocol.LifecycleEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *fakeRecorder) finished() []protocol.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.LifecycleEvent
	for _, evt := range r.events {
		if evt.Kind == protocol.EventTurnFinished {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	session   *Session
	mock      *upstream.Mock
	transport *fakeTransport
	recorder  *fakeRecorder
	inbound   chan any
	done      chan error
}

func startSession(t *testing.T, opts upstream.MockOptions, cfg Config) *harness {
	t.Helper()
	h := &harness{
		mock:      upstream.NewMock(opts),
		transport: newFakeTransport(),
		recorder:  &fakeRecorder{},
		inbound:   make(chan any, 16),
		done:      make(chan error, 1),
	}
	s, err := New(Dependencies{
		Transport: h.transport,
		Dialogue:  h.mock,
		Vision:    h.mock,
		Recorder:  h.recorder,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.session = s
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- s.Run(ctx, h.inbound) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return h
}

func (h *harness) send(msgs ...any) {
	for _, m := range msgs {
		h.inbound <- m
	}
}

func (h *harness) waitTurnComplete(t *testing.T) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case kind := <-h.transport.notify:
			if kind == protocol.TypeTurnComplete {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for turn_complete")
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}

const visionToolCall = `{"kind":"vision_analysis","question":"what is this"}`

func TestEmptyEndOfUtteranceIsIgnored(t *testing.T) {
	h := startSession(t, upstream.MockOptions{}, Config{})
	h.send(protocol.NewEndOfUtterance())
	close(h.inbound)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop after inbound closed")
	}
	h.done <- nil
	if h.mock.Opens() != 0 {
		t.Fatalf("expected no upstream session, got %d opens", h.mock.Opens())
	}
	if _, completes := h.transport.counts(); completes != 0 {
		t.Fatalf("expected no turn_complete, got %d", completes)
	}
	if len(h.recorder.finished()) != 0 {
		t.Fatalf("expected no turns recorded")
	}
	if h.session.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", h.session.State())
	}
}

func TestTurnForwardsAudioInOrder(t *testing.T) {
	h := startSession(t, upstream.MockOptions{Chunks: 2, ChunkDuration: 10 * time.Millisecond}, Config{})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewAudio([]byte{3, 4}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	utts := h.mock.Utterances()
	if len(utts) != 1 || !bytes.Equal(utts[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected utterances %v", utts)
	}
	audioCount, completes := h.transport.counts()
	if audioCount != 2 || completes != 1 {
		t.Fatalf("expected 2 audio and 1 turn_complete, got %d and %d", audioCount, completes)
	}
	h.transport.mu.Lock()
	for _, rate := range h.transport.rates {
		if rate != 24000 {
			t.Errorf("expected 24kHz output, got %d", rate)
		}
	}
	h.transport.mu.Unlock()
	eventually(t, "idle after turn", func() bool { return h.session.State() == StateIdle })
	if h.mock.Closes() != 1 {
		t.Fatalf("expected dialogue session closed, closes=%d", h.mock.Closes())
	}
	finished := h.recorder.finished()
	if len(finished) != 1 || finished[0].Outcome != outcomeAnswered {
		t.Fatalf("unexpected turn events %+v", finished)
	}
}

func TestMalformedTextIsSpokenAsConversation(t *testing.T) {
	h := startSession(t, upstream.MockOptions{ReplyText: "Hello there {not json", Chunks: 3, ChunkDuration: 10 * time.Millisecond}, Config{})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	if texts := h.mock.Texts(); len(texts) != 1 || texts[0] != "Hello there {not json" {
		t.Fatalf("expected reply text spoken, got %q", texts)
	}
	if calls := h.mock.VisionCalls(); len(calls) != 0 {
		t.Fatalf("expected no vision calls, got %d", len(calls))
	}
	audioCount, completes := h.transport.counts()
	if audioCount != 3 || completes != 1 {
		t.Fatalf("expected 3 audio and 1 turn_complete, got %d and %d", audioCount, completes)
	}
	if h.mock.Opens() != 2 {
		t.Fatalf("expected dialogue and speech sessions, opens=%d", h.mock.Opens())
	}
	eventually(t, "turn recorded", func() bool { return len(h.recorder.finished()) == 1 })
	finished := h.recorder.finished()
	if finished[0].Outcome != outcomeAnswered || finished[0].Category != "" {
		t.Fatalf("expected answered turn without error, got %+v", finished[0])
	}
}

func TestTextNotSpokenWhenAudioForwarded(t *testing.T) {
	h := startSession(t, upstream.MockOptions{
		ReplyText:     "Sure, here you go.",
		TextWithAudio: true,
		Chunks:        2,
		ChunkDuration: 10 * time.Millisecond,
	}, Config{})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	if texts := h.mock.Texts(); len(texts) != 0 {
		t.Fatalf("expected no speech delegation, got %q", texts)
	}
	if h.mock.Opens() != 1 {
		t.Fatalf("expected a single dialogue session, opens=%d", h.mock.Opens())
	}
	if audioCount, completes := h.transport.counts(); audioCount != 2 || completes != 1 {
		t.Fatalf("expected 2 audio and 1 turn_complete, got %d and %d", audioCount, completes)
	}
}

func TestVisionToolCallWithoutImageSpeaksFallback(t *testing.T) {
	h := startSession(t, upstream.MockOptions{ReplyText: visionToolCall, ChunkDuration: 10 * time.Millisecond}, Config{})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	if texts := h.mock.Texts(); len(texts) != 1 || texts[0] != noScreenshotMessage {
		t.Fatalf("expected one fallback message, got %q", texts)
	}
	if calls := h.mock.VisionCalls(); len(calls) != 0 {
		t.Fatalf("expected no vision calls, got %d", len(calls))
	}
	eventually(t, "idle after fallback", func() bool { return h.session.State() == StateIdle })
	if _, completes := h.transport.counts(); completes != 1 {
		t.Fatalf("expected exactly one turn_complete, got %d", completes)
	}
}

func TestVisionToolCallUsesAndClearsPendingImage(t *testing.T) {
	h := startSession(t, upstream.MockOptions{ReplyText: visionToolCall, ChunkDuration: 10 * time.Millisecond, VisionText: "A spreadsheet."}, Config{})
	h.send(
		protocol.NewImage("image/png", []byte{0x89, 'P', 'N', 'G'}),
		protocol.NewAudio([]byte{1, 2}),
		protocol.NewEndOfUtterance(),
	)
	h.waitTurnComplete(t)

	calls := h.mock.VisionCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one vision call, got %d", len(calls))
	}
	if calls[0].Question != "what is this" || calls[0].MimeType != "image/png" {
		t.Fatalf("unexpected vision request %+v", calls[0])
	}
	if texts := h.mock.Texts(); len(texts) != 1 || texts[0] != "A spreadsheet." {
		t.Fatalf("expected analysis to be spoken, got %q", texts)
	}

	h.send(protocol.NewAudio([]byte{3, 4}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)
	if calls := h.mock.VisionCalls(); len(calls) != 1 {
		t.Fatalf("expected image cleared after use, got %d vision calls", len(calls))
	}
	if texts := h.mock.Texts(); len(texts) != 2 || texts[1] != noScreenshotMessage {
		t.Fatalf("expected fallback on second turn, got %q", texts)
	}
}

func TestVisionFailureSpeaksApology(t *testing.T) {
	h := startSession(t, upstream.MockOptions{
		ReplyText:     visionToolCall,
		ChunkDuration: 10 * time.Millisecond,
		VisionErr:     errors.New("503 model overloaded"),
	}, Config{})
	h.send(protocol.NewImage("image/png", []byte{1}), protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	if texts := h.mock.Texts(); len(texts) != 1 || texts[0] != visionFailedMessage {
		t.Fatalf("expected apology, got %q", texts)
	}
	eventually(t, "turn recorded", func() bool { return len(h.recorder.finished()) == 1 })
	finished := h.recorder.finished()[0]
	if finished.Outcome != outcomeVisionFailed || finished.Category != string(CategoryModelUnavailable) {
		t.Fatalf("unexpected turn event %+v", finished)
	}

	h.send(protocol.NewAudio([]byte{3, 4}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)
	if calls := h.mock.VisionCalls(); len(calls) != 1 {
		t.Fatalf("expected image cleared after failure, got %d vision calls", len(calls))
	}
}

func TestResponseTimeoutSpeaksDiagnostic(t *testing.T) {
	h := startSession(t, upstream.MockOptions{Silent: true}, Config{ResponseTimeout: 30 * time.Millisecond})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	if texts := h.mock.Texts(); len(texts) != 1 || texts[0] != DiagnosticMessage(CategoryTimeout) {
		t.Fatalf("expected timeout diagnostic, got %q", texts)
	}
	eventually(t, "turn recorded", func() bool { return len(h.recorder.finished()) == 1 })
	if got := h.recorder.finished()[0]; got.Outcome != outcomeFailed || got.Category != string(CategoryTimeout) {
		t.Fatalf("unexpected turn event %+v", got)
	}
}

func TestOpenFailureStillCompletesTurn(t *testing.T) {
	h := startSession(t, upstream.MockOptions{OpenErr: errors.New("429 resource exhausted")}, Config{})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	if audioCount, _ := h.transport.counts(); audioCount != 0 {
		t.Fatalf("expected silence, got %d audio messages", audioCount)
	}
	if h.mock.Opens() != 2 {
		t.Fatalf("expected dialogue and speech attempts, got %d opens", h.mock.Opens())
	}
	eventually(t, "turn recorded", func() bool { return len(h.recorder.finished()) == 1 })
	if got := h.recorder.finished()[0]; got.Category != string(CategoryRateLimit) {
		t.Fatalf("expected rate limit category, got %+v", got)
	}
}

func TestInterruptAbortsTurn(t *testing.T) {
	h := startSession(t, upstream.MockOptions{Silent: true}, Config{AbortOnBargeIn: true, ResponseTimeout: 5 * time.Second})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	eventually(t, "upstream opened", func() bool { return len(h.mock.Utterances()) == 1 })

	h.send(protocol.NewInterrupt())
	eventually(t, "upstream closed", func() bool { return h.mock.Closes() == 1 })
	eventually(t, "idle after abort", func() bool { return h.session.State() == StateIdle })
	if _, completes := h.transport.counts(); completes != 0 {
		t.Fatalf("expected no turn_complete after abort, got %d", completes)
	}
	finished := h.recorder.finished()
	if len(finished) != 1 || finished[0].Outcome != outcomeAborted {
		t.Fatalf("unexpected turn events %+v", finished)
	}
}

func TestInterruptIgnoredWhenAbortDisabled(t *testing.T) {
	h := startSession(t, upstream.MockOptions{ReadyDelay: 50 * time.Millisecond, Chunks: 1, ChunkDuration: 10 * time.Millisecond}, Config{})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance(), protocol.NewInterrupt())
	h.waitTurnComplete(t)
	eventually(t, "turn recorded", func() bool { return len(h.recorder.finished()) == 1 })
	if got := h.recorder.finished()[0]; got.Outcome != outcomeAnswered {
		t.Fatalf("expected answered turn, got %+v", got)
	}
}

func TestEndOfUtteranceDuringTurnIsDeferred(t *testing.T) {
	h := startSession(t, upstream.MockOptions{ReadyDelay: 50 * time.Millisecond, Chunks: 1, ChunkDuration: 10 * time.Millisecond}, Config{})
	h.send(
		protocol.NewAudio([]byte{1, 2}),
		protocol.NewEndOfUtterance(),
		protocol.NewAudio([]byte{3, 4}),
		protocol.NewEndOfUtterance(),
	)
	h.waitTurnComplete(t)
	h.waitTurnComplete(t)

	utts := h.mock.Utterances()
	if len(utts) != 2 {
		t.Fatalf("expected two turns, got %d", len(utts))
	}
	if !bytes.Equal(utts[0], []byte{1, 2}) || !bytes.Equal(utts[1], []byte{3, 4}) {
		t.Fatalf("unexpected utterances %v", utts)
	}
}

func TestDisconnectClosesUpstream(t *testing.T) {
	h := startSession(t, upstream.MockOptions{Silent: true}, Config{ResponseTimeout: 5 * time.Second})
	h.send(protocol.NewAudio([]byte{1, 2}), protocol.NewEndOfUtterance())
	eventually(t, "upstream opened", func() bool { return len(h.mock.Utterances()) == 1 })

	close(h.inbound)
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
	h.done <- nil
	if h.session.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.session.State())
	}
	if h.mock.Closes() != 1 {
		t.Fatalf("expected upstream closed, closes=%d", h.mock.Closes())
	}
}

func TestUtteranceCapDropsExcessAudio(t *testing.T) {
	h := startSession(t, upstream.MockOptions{Chunks: 1, ChunkDuration: 10 * time.Millisecond}, Config{MaxUtteranceBytes: 4})
	h.send(protocol.NewAudio([]byte{1, 2, 3, 4}), protocol.NewAudio([]byte{5, 6}), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)
	utts := h.mock.Utterances()
	if len(utts) != 1 || !bytes.Equal(utts[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected utterances %v", utts)
	}
}

func TestUtteranceDump(t *testing.T) {
	dir := t.TempDir()
	h := startSession(t, upstream.MockOptions{Chunks: 1, ChunkDuration: 10 * time.Millisecond}, Config{DumpDir: dir})
	h.send(protocol.NewAudio(make([]byte, 320)), protocol.NewEndOfUtterance())
	h.waitTurnComplete(t)

	matches, err := filepath.Glob(filepath.Join(dir, h.session.ID()+"-*.wav"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one dump file, got %v (%v)", matches, err)
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		t.Fatalf("stat dump: %v", err)
	}
	if info.Size() < 44+320 {
		t.Fatalf("dump too small: %d bytes", info.Size())
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	m := upstream.NewMock(upstream.MockOptions{})
	if _, err := New(Dependencies{Dialogue: m, Vision: m}); err == nil {
		t.Fatalf("expected error without transport")
	}
	if _, err := New(Dependencies{Transport: newFakeTransport(), Vision: m}); err == nil {
		t.Fatalf("expected error without dialogue")
	}
	s, err := New(Dependencies{Transport: newFakeTransport(), Dialogue: m, Vision: m})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.ID() == "" || s.State() != StateIdle {
		t.Fatalf("unexpected initial session %q %s", s.ID(), s.State())
	}
}
