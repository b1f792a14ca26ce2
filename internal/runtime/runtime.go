// Package runtime assembles the daemon: telemetry, the event bus, the
// session store, the speech pipeline, and the HTTP front end. Start
// blocks until the context is cancelled, then tears everything down in
// reverse order.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oratelabs/orate/internal/audio"
	"github.com/oratelabs/orate/internal/bus"
	"github.com/oratelabs/orate/internal/config"
	"github.com/oratelabs/orate/internal/eventstore"
	"github.com/oratelabs/orate/internal/llm"
	"github.com/oratelabs/orate/internal/natsserver"
	"github.com/oratelabs/orate/internal/server"
	"github.com/oratelabs/orate/internal/session"
	"github.com/oratelabs/orate/internal/stt"
	"github.com/oratelabs/orate/internal/synth"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	// The embedded bus must be listening before the client dials it.
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		defer busClient.Close()
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	synthesizer, err := newSynthesizer(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("failed to configure synthesis backend: %w", err)
	}

	deps := server.Deps{
		Config:    r.cfg,
		Generator: llm.NewOllamaGenerator(r.cfg.TextGen, r.logger),
		Pipeline:  synth.NewPipeline(synthesizer, r.cfg.Synthesis, r.logger),
		Sessions:  session.NewSupervisor(r.logger),
		Store:     store,
		Bus:       busClient,
		Ready:     r.readiness(synthesizer, busClient),
	}
	if r.cfg.STT.Enabled {
		deps.STT = stt.NewClient(r.cfg.STT, r.logger)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.NewHandler(deps, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("synthesis_backend", r.cfg.Synthesis.Backend),
		slog.Bool("bus_enabled", r.cfg.Bus.Enabled),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// readiness reports whether the daemon can take traffic: the runtime is
// up, the bus (when enabled) is connected, and an HTTP synthesis
// backend answers its health probe.
func (r *Runtime) readiness(s synth.Synthesizer, busClient *bus.Client) func() bool {
	prober, _ := s.(synth.Prober)
	return func() bool {
		if !r.ready.Load() {
			return false
		}
		if busClient != nil && !busClient.Healthy() {
			return false
		}
		if prober != nil {
			probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := prober.Probe(probeCtx); err != nil {
				return false
			}
		}
		return true
	}
}

func newSynthesizer(cfg config.SynthesisConfig) (synth.Synthesizer, error) {
	switch cfg.Backend {
	case "http":
		return synth.NewHTTPSynth(cfg), nil
	case "mock":
		clip, err := mockClip(cfg)
		if err != nil {
			return nil, err
		}
		return &synth.MockSynth{Chunks: [][]byte{clip}}, nil
	default:
		return synth.NewExecSynth(cfg)
	}
}

// mockClip fabricates a short clip that passes format sniffing, so the
// mock backend exercises the full pipeline without a real worker.
func mockClip(cfg config.SynthesisConfig) ([]byte, error) {
	if cfg.Format == "wav" {
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		silence := make([]byte, rate/2*2) // quarter second of 16-bit mono silence
		return audio.WrapPCM(silence, rate, 1)
	}
	frame := make([]byte, 417)
	frame[0], frame[1], frame[2] = 0xFF, 0xFB, 0x90
	return frame, nil
}
