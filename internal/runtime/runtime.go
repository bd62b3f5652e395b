// Package runtime assembles the daemon: telemetry, the bus, the session
// store, the capture backend, the remote clients, the orchestrator, and
// the HTTP surface, started and torn down in dependency order.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/bus"
	"github.com/voxpadlabs/voxpad-core/internal/capture"
	"github.com/voxpadlabs/voxpad-core/internal/cleanup"
	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/devices"
	"github.com/voxpadlabs/voxpad-core/internal/natsserver"
	"github.com/voxpadlabs/voxpad-core/internal/notes"
	"github.com/voxpadlabs/voxpad-core/internal/prompts"
	"github.com/voxpadlabs/voxpad-core/internal/session"
	"github.com/voxpadlabs/voxpad-core/internal/sessionstore"
	"github.com/voxpadlabs/voxpad-core/internal/transcribe"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *sessionstore.Store
	orch     *session.Orchestrator
	service  *session.Service
	devices  *devices.Registry
	notes    *notes.Writer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the engine up and blocks until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = busClient

	store, err := sessionstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	r.store = store

	catalog := prompts.NewCatalog(r.cfg.Prompts, r.logger)
	if err := catalog.Load(); err != nil {
		return fmt.Errorf("load prompt catalog: %w", err)
	}

	backend, err := r.buildBackend()
	if err != nil {
		return err
	}
	transcriber, err := r.buildTranscriber()
	if err != nil {
		return err
	}
	cleaner, err := r.buildCleaner()
	if err != nil {
		return err
	}

	sink := session.Sinks{
		session.LogSink{Log: r.logger},
		session.BusSink{Bus: busClient, Log: r.logger},
	}
	r.orch = session.NewOrchestrator(ctx, r.cfg.Session, r.cfg.Audio, session.Deps{
		Backend:     backend,
		Transcriber: transcriber,
		Cleaner:     cleaner,
		Catalog:     catalog,
		Store:       store,
		Sink:        sink,
	}, r.logger)

	r.service = session.NewService(ctx, r.orch, busClient, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start session service: %w", err)
	}

	r.devices = devices.NewRegistry(ctx, r.cfg.Devices, backend, busClient, r.logger)
	if err := r.devices.Start(); err != nil {
		return fmt.Errorf("start device registry: %w", err)
	}

	r.notes = notes.NewWriter(r.cfg.Notes, busClient, r.logger)
	if err := r.notes.Start(); err != nil {
		return fmt.Errorf("start notes writer: %w", err)
	}

	return nil
}

func (r *Runtime) buildBackend() (capture.Backend, error) {
	switch r.cfg.Audio.Backend {
	case "portaudio":
		return capture.NewPortAudioBackend(), nil
	case "exec":
		return capture.NewExecBackend(r.cfg.Audio.Command)
	case "mock":
		return capture.NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", r.cfg.Audio.Backend)
	}
}

func (r *Runtime) buildTranscriber() (transcribe.Client, error) {
	switch r.cfg.Transcriber.Mode {
	case "openai":
		return transcribe.NewOpenAI(r.cfg.Transcriber, r.cfg.Credentials, r.logger), nil
	case "mock":
		return transcribe.NewMock(""), nil
	default:
		return nil, fmt.Errorf("unknown transcriber mode %q", r.cfg.Transcriber.Mode)
	}
}

func (r *Runtime) buildCleaner() (cleanup.Client, error) {
	switch r.cfg.Cleaner.Mode {
	case "openai":
		return cleanup.NewOpenAI(r.cfg.Cleaner, r.cfg.Credentials, r.logger), nil
	case "exec":
		return cleanup.NewExec(r.cfg.Cleaner.Command)
	case "mock":
		return cleanup.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown cleaner mode %q", r.cfg.Cleaner.Mode)
	}
}

// teardown unwinds the services in reverse of startup order. Safe on a
// partially started runtime.
func (r *Runtime) teardown() {
	if r.notes != nil {
		r.notes.Close()
	}
	if r.devices != nil {
		r.devices.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.orch != nil {
		r.orch.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("session store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.orch.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
