package playback

import (
	"context"
	"time"
)

// ClockRenderer discards samples but holds each chunk for its scheduled
// duration, for clients running without a speaker.
type ClockRenderer struct{}

func (ClockRenderer) Render(ctx context.Context, chunk Chunk, start time.Time) error {
	wait := time.Until(start.Add(chunk.Duration()))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
