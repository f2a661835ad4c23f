package upstream

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func collect(t *testing.T, s DialogueSession) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.TurnComplete {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events")
		}
	}
}

func TestMockAnswersUtteranceWithAudio(t *testing.T) {
	m := NewMock(MockOptions{Chunks: 2, ChunkDuration: 10 * time.Millisecond})
	s, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := WaitReady(context.Background(), s); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	ctx := context.Background()
	if err := s.SendAudio(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := s.SendAudio(ctx, []byte{3, 4}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := s.EndAudio(ctx); err != nil {
		t.Fatalf("end audio: %v", err)
	}

	events := collect(t, s)
	if len(events) != 3 {
		t.Fatalf("expected 2 audio events and turn complete, got %d", len(events))
	}
	if len(events[0].Audio) != 480 {
		t.Fatalf("expected 10ms of 24kHz audio, got %d bytes", len(events[0].Audio))
	}
	if !events[2].TurnComplete {
		t.Fatalf("expected final turn complete")
	}
	utts := m.Utterances()
	if len(utts) != 1 || !bytes.Equal(utts[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected utterances %v", utts)
	}
}

func TestMockReplyText(t *testing.T) {
	m := NewMock(MockOptions{ReplyText: `{"kind":"vision_analysis","question":"what"}`})
	s, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	_ = s.EndAudio(context.Background())
	events := collect(t, s)
	if len(events) != 2 || events[0].Text == "" || !events[1].TurnComplete {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestMockReplyTextWithAudio(t *testing.T) {
	m := NewMock(MockOptions{ReplyText: "hi", TextWithAudio: true, Chunks: 2, ChunkDuration: 5 * time.Millisecond})
	s, _ := m.Open(context.Background())
	defer s.Close()
	_ = s.EndAudio(context.Background())
	events := collect(t, s)
	if len(events) != 4 || events[0].Text != "hi" || len(events[1].Audio) == 0 || !events[3].TurnComplete {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestMockTextInputAnswersWithAudio(t *testing.T) {
	m := NewMock(MockOptions{Chunks: 1, ChunkDuration: 5 * time.Millisecond})
	s, _ := m.Open(context.Background())
	defer s.Close()
	if err := s.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	events := collect(t, s)
	if len(events) != 2 || len(events[0].Audio) == 0 {
		t.Fatalf("unexpected events %+v", events)
	}
	if texts := m.Texts(); len(texts) != 1 || texts[0] != "hello" {
		t.Fatalf("texts=%v", texts)
	}
}

func TestMockCloseEndsStream(t *testing.T) {
	m := NewMock(MockOptions{})
	s, _ := m.Open(context.Background())
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = s.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session did not finish after close")
	}
	if s.Err() != nil {
		t.Fatalf("expected clean close, got %v", s.Err())
	}
	if _, ok := <-s.Events(); ok {
		t.Fatalf("expected events channel closed")
	}
	if err := s.SendText(context.Background(), "x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if m.Closes() != 1 {
		t.Fatalf("closes=%d", m.Closes())
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	m := NewMock(MockOptions{NeverReady: true})
	s, _ := m.Open(context.Background())
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitReady(ctx, s); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitReadyReportsClosedSession(t *testing.T) {
	m := NewMock(MockOptions{NeverReady: true})
	s, _ := m.Open(context.Background())
	_ = s.Close()
	if err := WaitReady(context.Background(), s); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestMockOpenError(t *testing.T) {
	m := NewMock(MockOptions{OpenErr: errors.New("429 resource exhausted")})
	if _, err := m.Open(context.Background()); err == nil {
		t.Fatalf("expected open error")
	}
	if m.Opens() != 1 {
		t.Fatalf("opens=%d", m.Opens())
	}
}

func TestMockVision(t *testing.T) {
	m := NewMock(MockOptions{VisionText: "a chart"})
	text, err := m.Analyze(context.Background(), VisionRequest{Image: []byte{1}, MimeType: "image/png", Question: "what is this"})
	if err != nil || text != "a chart" {
		t.Fatalf("analyze = %q, %v", text, err)
	}
	calls := m.VisionCalls()
	if len(calls) != 1 || calls[0].Question != "what is this" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestExecVision(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	v, err := NewExecVision(`sh -c 'cat >/dev/null; printf "{\"text\":\" a cat \"}"'`)
	if err != nil {
		t.Fatalf("new exec vision: %v", err)
	}
	text, err := v.Analyze(context.Background(), VisionRequest{Image: []byte{0x89, 0x50}, MimeType: "image/png", Question: "what"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if text != "a cat" {
		t.Fatalf("text=%q", text)
	}
}

func TestExecVisionFailures(t *testing.T) {
	if _, err := NewExecVision("   "); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	v, _ := NewExecVision(`sh -c 'cat >/dev/null; printf "{\"error\":\"model down\"}"'`)
	if _, err := v.Analyze(context.Background(), VisionRequest{Image: []byte{1}, MimeType: "image/png"}); err == nil {
		t.Fatalf("expected error from command error field")
	}
	v, _ = NewExecVision(`sh -c 'exit 3'`)
	if _, err := v.Analyze(context.Background(), VisionRequest{Image: []byte{1}, MimeType: "image/png"}); err == nil {
		t.Fatalf("expected error from failing command")
	}
}
