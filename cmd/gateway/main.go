package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hubenschmidt/voice-gateway/internal/models"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
	"github.com/hubenschmidt/voice-gateway/internal/ws"
)

func main() {
	envErr := godotenv.Load()
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		slog.Warn("load .env", "error", envErr)
	}

	svc, err := buildServices(cfg)
	if err != nil {
		slog.Error("configure services", "error", err)
		os.Exit(1)
	}

	var traceStore *trace.Store
	if cfg.traceDatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		traceStore, err = trace.Open(openCtx, cfg.traceDatabaseURL)
		cancel()
		if err != nil {
			slog.Warn("trace store unavailable, run history disabled", "error", err)
			traceStore = nil
		}
	}

	ollama := newModelManager(cfg)
	if cfg.llmPreload && svc.LLM.Has("ollama") {
		go preload(ollama, cfg.llmModel)
	}

	hcfg := ws.HandlerConfig{
		Services:      svc,
		MaxConcurrent: cfg.maxConcurrentSessions,
		ReadLimit:     cfg.readLimit,
		PingInterval:  cfg.pingInterval,
		WriteTimeout:  cfg.writeTimeout,
	}
	if traceStore != nil {
		hcfg.Traces = traceStore
	}
	handler := ws.NewHandler(hcfg)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		svc:        svc,
		ollama:     ollama,
		llmModel:   cfg.llmModel,
		wsHandler:  handler,
		traceStore: traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := handler.Shutdown(ctx); err != nil {
			slog.Warn("sessions cancelled at shutdown deadline", "error", err)
		}

		if svc.LLM.Has("ollama") {
			slog.Info("unloading ollama models")
			if err := ollama.UnloadAll(ctx); err != nil {
				slog.Warn("ollama unload", "error", err)
			}
		}
		if traceStore != nil {
			traceStore.Close()
		}
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"max_concurrent", cfg.maxConcurrentSessions,
		"asr_engine", svc.ASREngine,
		"llm_engine", svc.LLM.Fallback(),
		"tts_engine", svc.TTSEngine,
		"tts_lookahead", svc.TTSLookahead,
		"tracing", traceStore != nil,
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-idle
	slog.Info("gateway stopped")
}

// newModelManager shares the LLM pool size but keeps its own traced client so
// model management never queues behind streaming generations.
func newModelManager(cfg config) *models.Ollama {
	return models.NewOllama(cfg.ollamaURL, pipeline.NewPooledHTTPClient(cfg.llmPoolSize, 0))
}

func preload(ollama *models.Ollama, model string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	start := time.Now()
	if err := ollama.Preload(ctx, model); err != nil {
		slog.Warn("llm preload failed", "model", model, "error", err)
		return
	}
	slog.Info("llm preloaded", "model", model, "ms", time.Since(start).Milliseconds())
}
