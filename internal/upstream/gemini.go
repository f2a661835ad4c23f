package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey            string
	Model             string
	VisionModel       string
	Voice             string
	SystemInstruction string
	InputSampleRate   int
}

// Gemini implements Dialogue over the Live API and Vision over GenerateContent.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gemini")),
	}, nil
}

func (g *Gemini) liveConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if g.cfg.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.cfg.Voice},
			},
		}
	}
	if g.cfg.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.cfg.SystemInstruction, genai.RoleUser)
	}
	return cfg
}

func (g *Gemini) Open(ctx context.Context) (DialogueSession, error) {
	conn, err := g.client.Live.Connect(ctx, g.cfg.Model, g.liveConfig())
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	s := &geminiSession{
		stream:   newStream(32),
		conn:     conn,
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", g.cfg.InputSampleRate),
		logger:   g.logger,
	}
	go s.receive()
	return s, nil
}

func (g *Gemini) Analyze(ctx context.Context, req VisionRequest) (string, error) {
	model := g.cfg.VisionModel
	if model == "" {
		model = g.cfg.Model
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Image, req.MimeType),
			genai.NewPartFromText(req.Question),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("vision response contained no text")
	}
	return text, nil
}

type geminiSession struct {
	*stream
	conn     *genai.Session
	mimeType string
	logger   *slog.Logger

	writeMu sync.Mutex
}

func (s *geminiSession) receive() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			s.finish(err)
			return
		}
		if msg.SetupComplete != nil {
			s.markReady()
		}
		content := msg.ServerContent
		if content == nil {
			continue
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					if !s.emit(Event{Audio: part.InlineData.Data}) {
						s.finish(nil)
						return
					}
				}
				if part.Text != "" {
					if !s.emit(Event{Text: part.Text}) {
						s.finish(nil)
						return
					}
				}
			}
		}
		if content.Interrupted {
			if !s.emit(Event{Interrupted: true}) {
				s.finish(nil)
				return
			}
		}
		if content.TurnComplete {
			if !s.emit(Event{TurnComplete: true}) {
				s.finish(nil)
				return
			}
		}
	}
}

func (s *geminiSession) send(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosing() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

func (s *geminiSession) SendAudio(ctx context.Context, pcm []byte) error {
	return s.send(ctx, func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: pcm, MIMEType: s.mimeType},
		})
	})
}

func (s *geminiSession) EndAudio(ctx context.Context) error {
	return s.send(ctx, func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
	})
}

func (s *geminiSession) SendText(ctx context.Context, text string) error {
	return s.send(ctx, func() error {
		return s.conn.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

func (s *geminiSession) Close() error {
	if s.isClosing() {
		return nil
	}
	s.shutdown()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Close()
}
