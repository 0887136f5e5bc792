package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/grammar"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

// TranscriptStream keeps final transcripts for consumers that connect late.
const TranscriptStream = "STT_TRANSCRIPTS"

// EngineBuilder turns the stt section into an engine factory.
type EngineBuilder func(cfg config.STTConfig) (stt.EngineFactory, error)

type Option func(*Runtime)

// WithEngine registers the builder used when stt.engine is name.
func WithEngine(name string, build EngineBuilder) Option {
	return func(r *Runtime) {
		r.engines[name] = build
	}
}

// WithConfigPath enables live reloading of the tunable settings in path.
func WithConfigPath(path string) Option {
	return func(r *Runtime) {
		r.configPath = path
	}
}

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	engines    map[string]EngineBuilder

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	decoder  *stt.Decoder
	sessions *session.Manager
	tunables *config.Tunables
	grammar  *grammar.Slot
	watcher  *config.Watcher
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		engines: map[string]EngineBuilder{},
		grammar: &grammar.Slot{},
	}
	r.engines["mock"] = func(config.STTConfig) (stt.EngineFactory, error) {
		return stt.NewMockEngine, nil
	}
	r.engines["exec"] = func(c config.STTConfig) (stt.EngineFactory, error) {
		return stt.NewExecFactory(c.Command, c.ModelPath)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.cfg.STT.Engine))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopServices()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	if busCfg.JetStream {
		maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
		if err := r.bus.EnsureStream(TranscriptStream, []string{protocol.SubjectTranscriptFinal}, maxAge); err != nil {
			r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.schedulePrune(ctx)

	build, ok := r.engines[r.cfg.STT.Engine]
	if !ok {
		return fmt.Errorf("stt engine %q is not available in this build", r.cfg.STT.Engine)
	}
	factory, err := build(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("configure stt engine: %w", err)
	}

	r.tunables = config.NewTunables(r.cfg.STT)
	r.grammar.Store(r.cfg.Grammar.Words)
	r.decoder = stt.NewDecoder(factory, r.logger,
		stt.WithLanguage(r.tunables.Language),
		stt.WithDecodeTimeout(time.Duration(r.cfg.STT.DecodeTimeoutMS)*time.Millisecond))

	r.sessions = session.NewManager(ctx, r.cfg.STT, r.bus, r.store, r.decoder, r.tunables, r.grammar, r.logger)
	if err := r.sessions.Start(); err != nil {
		return fmt.Errorf("start stt sessions: %w", err)
	}

	if r.configPath != "" {
		r.watcher, err = config.NewWatcher(r.configPath, r.applyConfig,
			config.WithLogger(r.logger.With(slog.String("component", "config-watcher"))))
		if err != nil {
			r.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}
	return nil
}

// applyConfig pushes the live-tunable parts of a reloaded file into the
// running services. Everything else needs a restart.
func (r *Runtime) applyConfig(old, updated config.Config) {
	if r.tunables.Apply(updated.STT) {
		r.sessions.ApplyLanguage()
	}
	if !slices.Equal(old.Grammar.Words, updated.Grammar.Words) {
		set := r.grammar.Store(updated.Grammar.Words)
		r.logger.Info("grammar reloaded", slog.Int("words", set.Len()))
	}
	if !slices.Equal(old.Bus.Servers, updated.Bus.Servers) || old.STT.Engine != updated.STT.Engine || old.HTTP != updated.HTTP {
		r.logger.Warn("configuration change requires a restart to take effect")
	}
}

func (r *Runtime) schedulePrune(ctx context.Context) {
	if r.cfg.EventStore.RetentionMode == "ephemeral" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) stopServices() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.decoder != nil {
		if err := r.decoder.Close(); err != nil {
			r.logger.Error("stt engine close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.sessions.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"sessions":         r.sessions.Sessions(),
		"engine_ready":     r.decoder.Ready(),
		"language":         r.tunables.Language(),
		"speech_threshold": r.tunables.Threshold(),
		"grammar_words":    r.grammar.Load().Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.logger.Warn("failed to write sessions response", slog.String("error", err.Error()))
	}
}
