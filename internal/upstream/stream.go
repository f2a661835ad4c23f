package upstream

import "sync"

// stream carries the ready signal and event channel of one session. The
// producing goroutine is the only caller of emit and finish.
type stream struct {
	ready     chan struct{}
	readyOnce sync.Once
	events    chan Event
	done      chan struct{}

	closing   chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newStream(buffer int) *stream {
	return &stream{
		ready:   make(chan struct{}),
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (s *stream) Ready() <-chan struct{} { return s.ready }
func (s *stream) Events() <-chan Event   { return s.events }
func (s *stream) Done() <-chan struct{}  { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *stream) emit(ev Event) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}

func (s *stream) finish(err error) {
	if s.isClosing() {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
	close(s.done)
}

func (s *stream) shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *stream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}
