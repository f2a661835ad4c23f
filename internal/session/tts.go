package session

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// speak voices text through a short-lived dialogue session. Failures are
// logged and leave the client in silence.
func (s *Session) speak(ctx context.Context, text string) {
	ctx, span := tracer.Start(ctx, "tts.speak", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	n, err := s.synthesize(ctx, text)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "speech synthesis failed")
	s.logger.Warn("speech synthesis failed", slog.Int("audio_bytes", n), slogError(err))
}

func (s *Session) synthesize(ctx context.Context, text string) (int, error) {
	sess, err := s.open(ctx, s.cfg.ReadyTimeout)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	if err := sess.SendText(ctx, text); err != nil {
		return 0, fmt.Errorf("send speech text: %w", err)
	}
	return s.forward(ctx, sess, nil)
}
