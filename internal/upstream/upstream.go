// Package upstream holds the collaborators the orchestrator talks to: a
// streaming dialogue service that answers in speech and a still-image vision
// service. Implementations are Gemini (genai), an exec vision bridge, and a
// scripted mock.
package upstream

import (
	"context"
	"errors"
)

var ErrSessionClosed = errors.New("upstream session closed")

// Event is one item of a dialogue session's response stream.
type Event struct {
	Audio        []byte
	Text         string
	TurnComplete bool
	Interrupted  bool
}

// DialogueSession is one open conversation with the dialogue service.
//
// Ready is closed exactly once, when the service reports the session is
// set up. Events is closed when the session ends; Err then reports why (nil
// after Close). Done is closed at the same time as Events.
type DialogueSession interface {
	Ready() <-chan struct{}
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	SendAudio(ctx context.Context, pcm []byte) error
	EndAudio(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	Close() error
}

// Dialogue opens dialogue sessions configured for audio responses.
type Dialogue interface {
	Open(ctx context.Context) (DialogueSession, error)
}

type VisionRequest struct {
	Image    []byte
	MimeType string
	Question string
}

// Vision answers a question about one image.
type Vision interface {
	Analyze(ctx context.Context, req VisionRequest) (string, error)
}

// WaitReady blocks until the session is ready, has ended, or ctx is done.
func WaitReady(ctx context.Context, s DialogueSession) error {
	select {
	case <-s.Ready():
		return nil
	default:
	}
	select {
	case <-s.Ready():
		return nil
	case <-s.Done():
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
