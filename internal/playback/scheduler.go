package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
)

var ErrClosed = errors.New("playback scheduler closed")

// Chunk is one decoded buffer of assistant speech and the rate it was produced at.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration is how long the chunk plays for.
func (c Chunk) Duration() time.Duration {
	return audio.Duration(len(c.Samples), c.SampleRate)
}

// Renderer plays one chunk starting at start on the wall clock. Render returns
// once the chunk has been handed to the device in full, or when ctx is
// cancelled.
type Renderer interface {
	Render(ctx context.Context, chunk Chunk, start time.Time) error
}

type Options struct {
	// OnFinished is called each time the queue drains after playing.
	OnFinished func()
	Logger     *slog.Logger
	// Now overrides the wall clock.
	Now func() time.Time
}

// Scheduler plays queued chunks back to back. Each chunk is scheduled at the
// end time of the one before it, so arrival jitter never opens a gap while the
// queue is non-empty.
type Scheduler struct {
	renderer   Renderer
	onFinished func()
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu         sync.Mutex
	queue      []Chunk
	playing    bool
	nextStart  time.Time
	current    context.CancelFunc
	generation uint64
	closed     bool
}

func NewScheduler(renderer Renderer, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		renderer:   renderer,
		onFinished: opts.OnFinished,
		logger:     logger.With(slog.String("component", "playback")),
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
	go s.run()
	return s
}

// Enqueue appends a chunk. Playback begins immediately if idle.
func (s *Scheduler) Enqueue(chunk Chunk) error {
	if len(chunk.Samples) == 0 || chunk.SampleRate <= 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.signal()
	return nil
}

// EnqueuePCM decodes 16-bit little-endian PCM and enqueues it.
func (s *Scheduler) EnqueuePCM(pcm []byte, sampleRate int) error {
	return s.Enqueue(Chunk{Samples: audio.BytesToSamples(pcm), SampleRate: sampleRate})
}

// BargeIn drops every queued chunk and stops the one in flight. It reports
// whether anything was playing.
func (s *Scheduler) BargeIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasPlaying := s.playing || len(s.queue) > 0
	s.queue = nil
	s.playing = false
	s.generation++
	if s.current != nil {
		s.current()
		s.current = nil
	}
	return wasPlaying
}

func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Pending reports how many chunks are queued behind the one in flight.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	if s.current != nil {
		s.current()
	}
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		chunk, start, ctx, gen, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		err := s.renderer.Render(ctx, chunk, start)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("render failed", slog.String("error", err.Error()))
		}

		if s.finish(gen) && s.onFinished != nil {
			s.onFinished()
		}
	}
}

// next pops the head of the queue and fixes its start time.
func (s *Scheduler) next() (Chunk, time.Time, context.Context, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return Chunk{}, time.Time{}, nil, 0, false
	}
	chunk := s.queue[0]
	s.queue[0] = Chunk{}
	s.queue = s.queue[1:]

	if !s.playing {
		s.playing = true
		s.nextStart = s.now()
	}
	start := s.nextStart
	s.nextStart = start.Add(chunk.Duration())

	ctx, cancel := context.WithCancel(s.ctx)
	s.current = cancel
	return chunk, start, ctx, s.generation, true
}

// finish settles state after a render and reports whether the queue drained.
func (s *Scheduler) finish(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current()
		s.current = nil
	}
	if gen != s.generation || s.closed {
		return false
	}
	if len(s.queue) > 0 {
		return false
	}
	s.playing = false
	return true
}
