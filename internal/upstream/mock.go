package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
)

// MockOptions scripts the mock dialogue and vision services.
type MockOptions struct {
	SampleRate    int
	ChunkDuration time.Duration
	Chunks        int
	// ReplyText, when set, answers spoken input with a text part instead of audio.
	ReplyText string
	// TextWithAudio sends ReplyText ahead of the audio chunks instead of in
	// place of them.
	TextWithAudio bool
	OpenErr       error
	ReadyDelay    time.Duration
	NeverReady    bool
	// Silent sessions accept input but never answer.
	Silent     bool
	VisionText string
	VisionErr  error
}

// Mock is a scripted Dialogue and Vision that records what it was sent.
type Mock struct {
	opts MockOptions

	mu          sync.Mutex
	opens       int
	closes      int
	utterances  [][]byte
	texts       []string
	visionCalls []VisionRequest
}

func NewMock(opts MockOptions) *Mock {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.UpstreamSampleRate
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 100 * time.Millisecond
	}
	if opts.Chunks <= 0 {
		opts.Chunks = 3
	}
	if opts.VisionText == "" && opts.VisionErr == nil {
		opts.VisionText = "The image shows a desktop."
	}
	return &Mock{opts: opts}
}

func (m *Mock) Open(ctx context.Context) (DialogueSession, error) {
	m.mu.Lock()
	m.opens++
	m.mu.Unlock()
	if m.opts.OpenErr != nil {
		return nil, m.opts.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &mockSession{
		stream: newStream(16),
		mock:   m,
		inputs: make(chan mockInput, 64),
	}
	go s.run()
	return s, nil
}

func (m *Mock) Analyze(ctx context.Context, req VisionRequest) (string, error) {
	m.mu.Lock()
	m.visionCalls = append(m.visionCalls, VisionRequest{
		Image:    append([]byte(nil), req.Image...),
		MimeType: req.MimeType,
		Question: req.Question,
	})
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.opts.VisionErr != nil {
		return "", m.opts.VisionErr
	}
	return m.opts.VisionText, nil
}

func (m *Mock) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *Mock) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *Mock) Utterances() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.utterances...)
}

func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *Mock) VisionCalls() []VisionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VisionRequest(nil), m.visionCalls...)
}

type mockInputKind int

const (
	mockAudio mockInputKind = iota
	mockAudioEnd
	mockText
)

type mockInput struct {
	kind mockInputKind
	data []byte
	text string
}

type mockSession struct {
	*stream
	mock   *Mock
	inputs chan mockInput
}

func (s *mockSession) run() {
	opts := s.mock.opts
	if !opts.NeverReady {
		if opts.ReadyDelay > 0 {
			timer := time.NewTimer(opts.ReadyDelay)
			select {
			case <-timer.C:
			case <-s.closing:
				timer.Stop()
				s.finish(nil)
				return
			}
		}
		s.markReady()
	}

	var pending []byte
	for {
		select {
		case <-s.closing:
			s.finish(nil)
			return
		case in := <-s.inputs:
			switch in.kind {
			case mockAudio:
				pending = append(pending, in.data...)
			case mockAudioEnd:
				s.mock.mu.Lock()
				s.mock.utterances = append(s.mock.utterances, pending)
				s.mock.mu.Unlock()
				pending = nil
				if !s.reply(opts.ReplyText) {
					s.finish(nil)
					return
				}
			case mockText:
				s.mock.mu.Lock()
				s.mock.texts = append(s.mock.texts, in.text)
				s.mock.mu.Unlock()
				if !s.reply("") {
					s.finish(nil)
					return
				}
			}
		}
	}
}

func (s *mockSession) reply(text string) bool {
	opts := s.mock.opts
	if opts.Silent {
		return true
	}
	if text != "" {
		if !s.emit(Event{Text: text}) {
			return false
		}
		if !opts.TextWithAudio {
			return s.emit(Event{TurnComplete: true})
		}
	}
	for i := 0; i < opts.Chunks; i++ {
		tone := audio.SineTone(440, opts.SampleRate, opts.ChunkDuration, 0.2)
		if !s.emit(Event{Audio: tone}) {
			return false
		}
	}
	return s.emit(Event{TurnComplete: true})
}

func (s *mockSession) push(ctx context.Context, in mockInput) error {
	if s.isClosing() {
		return ErrSessionClosed
	}
	select {
	case s.inputs <- in:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mockSession) SendAudio(ctx context.Context, pcm []byte) error {
	return s.push(ctx, mockInput{kind: mockAudio, data: append([]byte(nil), pcm...)})
}

func (s *mockSession) EndAudio(ctx context.Context) error {
	return s.push(ctx, mockInput{kind: mockAudioEnd})
}

func (s *mockSession) SendText(ctx context.Context, text string) error {
	return s.push(ctx, mockInput{kind: mockText, text: text})
}

func (s *mockSession) Close() error {
	s.closeOnce.Do(func() {
		s.mock.mu.Lock()
		s.mock.closes++
		s.mock.mu.Unlock()
		close(s.closing)
	})
	return nil
}
