package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/casecall/internal/engine"
	"github.com/hubenschmidt/casecall/internal/kv"
	"github.com/hubenschmidt/casecall/internal/patients"
	"github.com/hubenschmidt/casecall/internal/session"
	"github.com/hubenschmidt/casecall/internal/settings"
	"github.com/hubenschmidt/casecall/internal/summarizer"
	"github.com/hubenschmidt/casecall/internal/trace"
	"github.com/hubenschmidt/casecall/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cfg)
	},
}

// app holds everything the gateway owns for its lifetime.
type app struct {
	store      kv.Store
	ctrl       *session.Controller
	tracer     *trace.Tracer
	traceStore *trace.Store
	deps       deps
}

func newApp(ctx context.Context, cfg config) (*app, error) {
	store, err := kv.Open(cfg.storeBackend, cfg.storePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	base, err := patients.LoadSeed(cfg.patientsFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{store: store}
	if cfg.traceDatabaseURL != "" {
		ts, err := trace.Open(ctx, cfg.traceDatabaseURL)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			a.traceStore = ts
			a.tracer = trace.NewTracer(ts)
			slog.Info("tracing enabled")
		}
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	overrides := patients.NewOverrideStore(store)
	loader := settings.NewLoader(cfg.settingsFile, store)

	a.ctrl = session.New(session.Options{
		Engine:      eng,
		Settings:    loader,
		Summarizer:  summarizer.NewClient(cfg.summarizerURL, cfg.summarizerPool, cfg.summarizerTimeout),
		Overrides:   overrides,
		Tracer:      a.tracer,
		GracePeriod: cfg.gracePeriod,
		BaseContext: ctx,
	})

	a.deps = deps{
		ctrl:       a.ctrl,
		patients:   base,
		overrides:  overrides,
		settings:   loader,
		traceStore: a.traceStore,
		wsHandler:  ws.NewHandler(a.ctrl, cfg.maxStreams),
	}
	return a, nil
}

func buildEngine(cfg config) (engine.Engine, error) {
	backends := map[string]engine.Engine{
		engineText: engine.NewTextEngine(engine.NewOpenAIResponder(
			cfg.openAIKey, cfg.openAIBaseURL, settings.Defaults().ModelName, cfg.llmMaxTokens)),
	}
	if cfg.voiceEngineURL != "" {
		backends[engineWS] = engine.NewWSEngine(cfg.voiceEngineURL, cfg.voiceEngineKey)
	}
	router := engine.NewRouter(backends, engineText)

	name := cfg.engineName()
	if name != cfg.engine {
		slog.Warn("no voice engine url, using text engine", "requested", cfg.engine)
	}
	if !router.Has(name) {
		return nil, fmt.Errorf("unknown engine %q (have %v)", name, router.Names())
	}
	if name == engineText && cfg.openAIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, text engine replies will fail")
	}
	return router.Route(name)
}

// close ends any live call, waits for its summary, then releases storage.
func (a *app) close() {
	if a.ctrl != nil {
		if a.ctrl.Live() {
			a.ctrl.Stop()
		}
		a.ctrl.Close()
	}
	a.tracer.Close()
	if a.traceStore != nil {
		a.traceStore.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}

func serve(cfg config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerRoutes(mux, a.deps)

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("casecall starting", "addr", addr, "engine", cfg.engineName(), "store", cfg.storeBackend)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.close()
		return fmt.Errorf("server failed: %w", err)
	}

	a.close()
	slog.Info("casecall stopped")
	return nil
}
