package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/session"
	"github.com/loqalabs/loqa-live/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, mock *upstream.Mock, tracker *Tracker) *httptest.Server {
	t.Helper()
	factory := func(id, remoteAddr string, transport session.Transport) (*session.Session, error) {
		return session.New(session.Dependencies{
			ID:         id,
			RemoteAddr: remoteAddr,
			Transport:  transport,
			Dialogue:   mock,
			Vision:     mock,
			Logger:     testLogger(),
			Config:     session.Config{ResponseTimeout: 2 * time.Second},
		})
	}
	h, err := NewHandler(cfg, factory, tracker, nil, testLogger())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntilTurnComplete returns the server audio frames received before
// turn_complete.
func readUntilTurnComplete(t *testing.T, conn *websocket.Conn) []protocol.Audio {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frames []protocol.Audio
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			t.Fatalf("decode server message %s: %v", data, err)
		}
		switch m := msg.(type) {
		case protocol.Audio:
			frames = append(frames, m)
		case protocol.TurnComplete:
			return frames
		}
	}
}

func TestLiveUtteranceRoundTrip(t *testing.T) {
	mock := upstream.NewMock(upstream.MockOptions{Chunks: 2, ChunkDuration: 20 * time.Millisecond})
	srv := newTestServer(t, Config{}, mock, nil)
	conn := dial(t, srv)

	tone := audio.SineTone(440, audio.CaptureSampleRate, 2*time.Second, 0.5)
	const chunk = 4096
	for off := 0; off < len(tone); off += chunk {
		end := off + chunk
		if end > len(tone) {
			end = len(tone)
		}
		writeJSON(t, conn, protocol.NewAudio(tone[off:end]))
	}
	writeJSON(t, conn, protocol.NewEndOfUtterance())

	frames := readUntilTurnComplete(t, conn)
	if len(frames) != 2 {
		t.Fatalf("expected 2 audio frames, got %d", len(frames))
	}
	for _, f := range frames {
		if f.SampleRate != audio.UpstreamSampleRate {
			t.Fatalf("expected sample_rate %d, got %d", audio.UpstreamSampleRate, f.SampleRate)
		}
	}
	if mock.Opens() != 1 {
		t.Fatalf("expected one upstream session, got %d", mock.Opens())
	}
	utts := mock.Utterances()
	if len(utts) != 1 || len(utts[0]) != len(tone) {
		t.Fatalf("expected one %d byte utterance, got %d utterances", len(tone), len(utts))
	}
}

func TestMalformedMessagesKeepConnectionOpen(t *testing.T) {
	mock := upstream.NewMock(upstream.MockOptions{Chunks: 1, ChunkDuration: 10 * time.Millisecond})
	srv := newTestServer(t, Config{}, mock, nil)
	conn := dial(t, srv)

	for _, raw := range []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"audio","data":"AQ=="}`,
		`{"type":"image","mime_type":"text/plain","data":"AQ=="}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	writeJSON(t, conn, protocol.NewAudio([]byte{1, 2, 3, 4}))
	writeJSON(t, conn, protocol.NewEndOfUtterance())

	readUntilTurnComplete(t, conn)
	utts := mock.Utterances()
	if len(utts) != 1 || len(utts[0]) != 4 {
		t.Fatalf("unexpected utterances %v", utts)
	}
}

func TestInboundRateLimitDropsExcess(t *testing.T) {
	mock := upstream.NewMock(upstream.MockOptions{Chunks: 1, ChunkDuration: 10 * time.Millisecond})
	srv := newTestServer(t, Config{InboundPerSecond: 0.001, InboundBurst: 2}, mock, nil)
	conn := dial(t, srv)

	writeJSON(t, conn, protocol.NewAudio([]byte{1, 2}))
	writeJSON(t, conn, protocol.NewEndOfUtterance())
	readUntilTurnComplete(t, conn)

	writeJSON(t, conn, protocol.NewAudio([]byte{3, 4}))
	writeJSON(t, conn, protocol.NewEndOfUtterance())
	time.Sleep(150 * time.Millisecond)
	if mock.Opens() != 1 {
		t.Fatalf("expected rate limited frames to be dropped, got %d opens", mock.Opens())
	}
}

func TestHandlerRejectsNonGet(t *testing.T) {
	srv := newTestServer(t, Config{}, upstream.NewMock(upstream.MockOptions{}), nil)
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHandlerRefusesWhileDraining(t *testing.T) {
	tracker := NewTracker()
	tracker.Drain()
	srv := newTestServer(t, Config{}, upstream.NewMock(upstream.MockOptions{}), tracker)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestCloseAllEndsSessions(t *testing.T) {
	tracker := NewTracker()
	mock := upstream.NewMock(upstream.MockOptions{})
	srv := newTestServer(t, Config{}, mock, tracker)
	conn := dial(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for tracker.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tracker.Count() != 1 {
		t.Fatalf("expected one tracked session, got %d", tracker.Count())
	}
	if n := tracker.CloseAll(); n != 1 {
		t.Fatalf("expected to cancel one session, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !tracker.Wait(ctx) {
		t.Fatalf("sessions did not finish")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestServerAudioEncoding(t *testing.T) {
	tr := newTransport(1, make(chan struct{}), 10*time.Millisecond)
	if err := tr.SendAudio(context.Background(), []byte{1, 0}, 24000); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(<-tr.queue, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "audio" || got["data"] != "AQA=" || got["sample_rate"] != float64(24000) {
		t.Fatalf("unexpected frame %v", got)
	}

	_ = tr.SendTurnComplete(context.Background())
	if err := tr.SendTurnComplete(context.Background()); err != errBackpressure {
		t.Fatalf("expected backpressure, got %v", err)
	}
}

func TestFactoryReceivesRemoteAddr(t *testing.T) {
	mock := upstream.NewMock(upstream.MockOptions{})
	addrs := make(chan string, 1)
	factory := func(id, remoteAddr string, transport session.Transport) (*session.Session, error) {
		addrs <- remoteAddr
		return session.New(session.Dependencies{
			ID:         id,
			RemoteAddr: remoteAddr,
			Transport:  transport,
			Dialogue:   mock,
			Vision:     mock,
			Logger:     testLogger(),
		})
	}
	h, err := NewHandler(Config{}, factory, NewTracker(), nil, testLogger())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	select {
	case addr := <-addrs:
		if !strings.HasPrefix(addr, "127.0.0.1:") {
			t.Fatalf("unexpected remote addr %q", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("factory not called")
	}
}
