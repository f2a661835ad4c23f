package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/upstream"
)

// buildUpstreams selects the dialogue and vision collaborators named by
// config.
func buildUpstreams(ctx context.Context, cfg config.Config, logger *slog.Logger) (upstream.Dialogue, upstream.Vision, error) {
	var (
		dialogue upstream.Dialogue
		gemini   *upstream.Gemini
		mock     *upstream.Mock
	)
	switch cfg.Upstream.Mode {
	case "gemini":
		g, err := upstream.NewGemini(ctx, upstream.GeminiConfig{
			APIKey:            cfg.Upstream.APIKey,
			Model:             cfg.Upstream.Model,
			VisionModel:       cfg.Vision.Model,
			Voice:             cfg.Upstream.Voice,
			SystemInstruction: cfg.Upstream.SystemInstruction,
			InputSampleRate:   cfg.Upstream.InputSampleRate,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		gemini = g
		dialogue = g
	case "mock":
		mock = upstream.NewMock(upstream.MockOptions{SampleRate: cfg.Upstream.OutputSampleRate})
		dialogue = mock
	default:
		return nil, nil, fmt.Errorf("unsupported upstream mode %q", cfg.Upstream.Mode)
	}

	var vision upstream.Vision
	switch cfg.Vision.Mode {
	case "gemini":
		if gemini == nil {
			return nil, nil, fmt.Errorf("vision mode gemini requires upstream mode gemini")
		}
		vision = gemini
	case "exec":
		v, err := upstream.NewExecVision(cfg.Vision.Command)
		if err != nil {
			return nil, nil, err
		}
		vision = v
	case "mock":
		if mock == nil {
			mock = upstream.NewMock(upstream.MockOptions{SampleRate: cfg.Upstream.OutputSampleRate})
		}
		vision = mock
	default:
		return nil, nil, fmt.Errorf("unsupported vision mode %q", cfg.Vision.Mode)
	}

	logger.Info("upstreams configured",
		slog.String("dialogue", cfg.Upstream.Mode),
		slog.String("vision", cfg.Vision.Mode))
	return dialogue, vision, nil
}
