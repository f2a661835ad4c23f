package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loqalabs/loqa-live/internal/protocol"
)

var (
	errBackpressure = errors.New("outbound queue full")
	errClosed       = errors.New("connection closed")
)

// wsTransport queues encoded server messages for the outbound writer.
type wsTransport struct {
	queue   chan []byte
	done    <-chan struct{}
	maxWait time.Duration
}

func newTransport(size int, done <-chan struct{}, maxWait time.Duration) *wsTransport {
	if size <= 0 {
		size = 256
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &wsTransport{queue: make(chan []byte, size), done: done, maxWait: maxWait}
}

func (t *wsTransport) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	return t.send(ctx, protocol.NewServerAudio(pcm, sampleRate))
}

func (t *wsTransport) SendTurnComplete(ctx context.Context) error {
	return t.send(ctx, protocol.NewTurnComplete())
}

func (t *wsTransport) send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return errClosed
	case t.queue <- payload:
		return nil
	default:
	}

	timer := time.NewTimer(t.maxWait)
	defer timer.Stop()
	select {
	case t.queue <- payload:
		return nil
	case <-timer.C:
		return errBackpressure
	case <-t.done:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
