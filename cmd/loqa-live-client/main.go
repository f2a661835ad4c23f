package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"

	log "log/slog"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/client"
	"github.com/loqalabs/loqa-live/internal/playback"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

type options struct {
	server         string
	threshold      float64
	silenceFrames  int
	frameSize      int
	echoGuard      bool
	captureCommand string
	captureTimeout time.Duration
	noPlayback     bool
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	server := cli.StringP("server", "s", "ws://localhost:8080/live", "Live endpoint URL")
	threshold := cli.Float64P("threshold", "t", audio.DefaultThreshold, "RMS level that counts as speech")
	silenceFrames := cli.Int("silence-frames", audio.DefaultRequiredSilenceFrames, "Quiet frames that end an utterance")
	frameSize := cli.Int("frame-size", audio.DefaultFrameSize, "Samples per capture frame")
	echoGuard := cli.Bool("echo-guard", false, "Pause detection while the assistant speaks (disables barge-in)")
	captureCommand := cli.StringP("capture-command", "c", "", "Screenshot command printing PNG to stdout (empty disables screenshots)")
	captureTimeout := cli.Duration("capture-timeout", 5*time.Second, "Screenshot command timeout")
	noPlayback := cli.Bool("no-playback", false, "Pace replies with a wall clock instead of the output device")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	godotenv.Load(*envFile)
	if v := os.Getenv("LOQA_LIVE_SERVER"); v != "" && !cli.CommandLine.Changed("server") {
		*server = v
	}
	if v := os.Getenv("LOQA_LIVE_CAPTURE_COMMAND"); v != "" && *captureCommand == "" {
		*captureCommand = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, options{
		server:         *server,
		threshold:      *threshold,
		silenceFrames:  *silenceFrames,
		frameSize:      *frameSize,
		echoGuard:      *echoGuard,
		captureCommand: *captureCommand,
		captureTimeout: *captureTimeout,
		noPlayback:     *noPlayback,
	})
	stop()
	if err != nil {
		log.Error("Client stopped", "err", err)
		os.Exit(1)
	}
	log.Info("Bye")
}

// run owns every resource it opens and releases them before returning.
func run(ctx context.Context, opts options) error {
	var screen client.ScreenCapturer
	if opts.captureCommand != "" {
		capturer, err := client.NewCapturer(opts.captureCommand, opts.captureTimeout)
		if err != nil {
			return fmt.Errorf("invalid capture command: %w", err)
		}
		screen = capturer
	}

	terminate, err := client.InitAudio()
	if err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer terminate()

	var renderer playback.Renderer = playback.ClockRenderer{}
	if !opts.noPlayback {
		dev, err := client.NewDeviceRenderer(0)
		if err != nil {
			return fmt.Errorf("open output device: %w", err)
		}
		defer dev.Close()
		renderer = dev
		log.Debug("Opened output device", "sample_rate", dev.SampleRate())
	}

	conn, err := client.Dial(ctx, opts.server)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.server, err)
	}
	log.Info("Connected", "server", opts.server)

	c := client.New(conn, client.NewDeviceCapture(audio.CaptureSampleRate, opts.frameSize), renderer, screen, client.Config{
		Threshold:     opts.threshold,
		SilenceFrames: opts.silenceFrames,
		EchoGuard:     opts.echoGuard,
	}, log.Default())

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	return nil
}
