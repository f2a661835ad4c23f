// Package runtime assembles the loqa-live daemon: telemetry, the event store,
// the optional bus, the upstream collaborators and the live WebSocket
// endpoint, all behind one HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/gateway"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/session"
	"github.com/loqalabs/loqa-live/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup

	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	recorder *lifecycleRecorder
	tracker  *gateway.Tracker

	// overridable in tests
	dialogue upstream.Dialogue
	vision   upstream.Vision
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		tracker: gateway.NewTracker(),
	}
}

// Addr reports the address the HTTP server listens on once Start has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startInfrastructure(ctx); err != nil {
		r.closeInfrastructure()
		return err
	}
	defer r.closeInfrastructure()

	liveHandler, err := r.buildLiveHandler(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(r.cfg.HTTP.LivePath, liveHandler)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("live_path", r.cfg.HTTP.LivePath))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Hijacked WebSocket connections are invisible to http.Server.Shutdown,
	// so live sessions are cancelled and awaited first.
	if n := r.tracker.CloseAll(); n > 0 {
		r.logger.Info("closing live sessions", slog.Int("count", n))
	}
	if !r.tracker.Wait(shutdownCtx) {
		r.logger.Warn("live sessions did not finish before shutdown deadline", slog.Int("remaining", r.tracker.Count()))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.recorder.Close(shutdownCtx); err != nil {
		r.logger.Warn("lifecycle recorder did not drain", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) startInfrastructure(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
			if err != nil {
				return err
			}
			r.nats = ns
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
		if busCfg.Stream != "" {
			if err := client.EnsureStream(busCfg.Stream, protocol.SubjectLifecyclePrefix+".>"); err != nil {
				return err
			}
		}
	}

	var pub publisher
	if r.bus != nil {
		pub = r.bus
	}
	var es eventStore
	if r.cfg.EventStore.RetentionMode != eventstore.RetentionEphemeral {
		es = store
	}
	r.recorder = newLifecycleRecorder(es, pub, 1024, r.logger)
	return nil
}

func (r *Runtime) closeInfrastructure() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if r.recorder != nil {
		_ = r.recorder.Close(ctx)
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) buildLiveHandler(ctx context.Context) (*gateway.Handler, error) {
	dialogue, vision := r.dialogue, r.vision
	if dialogue == nil || vision == nil {
		d, v, err := buildUpstreams(ctx, r.cfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("configure upstreams: %w", err)
		}
		if dialogue == nil {
			dialogue = d
		}
		if vision == nil {
			vision = v
		}
	}

	metrics, err := session.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create session metrics: %w", err)
	}

	sessCfg := sessionConfig(r.cfg)
	factory := func(id, remoteAddr string, transport session.Transport) (*session.Session, error) {
		return session.New(session.Dependencies{
			ID:         id,
			RemoteAddr: remoteAddr,
			Transport:  transport,
			Dialogue:   dialogue,
			Vision:     vision,
			Recorder:   r.recorder,
			Metrics:    metrics,
			Logger:     r.logger,
			Config:     sessCfg,
		})
	}

	t := r.cfg.Transport
	return gateway.NewHandler(gateway.Config{
		MaxMessageBytes:  t.MaxMessageBytes,
		WriteTimeout:     time.Duration(t.WriteTimeoutMS) * time.Millisecond,
		PingInterval:     time.Duration(t.PingIntervalMS) * time.Millisecond,
		OutboundQueue:    t.OutboundQueue,
		InboundPerSecond: t.InboundMessagesPerSec,
		InboundBurst:     t.InboundBurst,
	}, factory, r.tracker, metrics, r.logger)
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		ConnectTimeout:    time.Duration(cfg.Upstream.ConnectTimeoutMS) * time.Millisecond,
		ResponseTimeout:   time.Duration(cfg.Upstream.ResponseTimeoutMS) * time.Millisecond,
		ReadyTimeout:      time.Duration(cfg.Upstream.ReadyTimeoutMS) * time.Millisecond,
		VisionTimeout:     time.Duration(cfg.Vision.TimeoutMS) * time.Millisecond,
		InputSampleRate:   cfg.Upstream.InputSampleRate,
		OutputSampleRate:  cfg.Upstream.OutputSampleRate,
		AbortOnBargeIn:    cfg.Session.AbortOnBargeIn,
		MaxUtteranceBytes: cfg.Session.MaxUtteranceBytes,
		DumpDir:           cfg.Session.DumpDir,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && !r.tracker.Draining() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
