package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hubenschmidt/voice-gateway/internal/models"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
)

// defaultTraceSessionLimit is how many trace sessions are returned
// when the caller omits the ?limit= query parameter.
const defaultTraceSessionLimit = 20

type deps struct {
	svc        *pipeline.Services
	ollama     *models.Ollama
	llmModel   string
	wsHandler  http.Handler
	traceStore *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux. WebSocket routes are
// left unwrapped so the upgrade can hijack the raw connection.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/voice", d.wsHandler)
	mux.Handle("/ws/chat", d.wsHandler)
	mux.Handle("/ws", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	api := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, otelhttp.NewHandler(h, name))
	}
	api("GET /api/models", "models", d.handleModels)
	api("POST /api/models/preload", "models.preload", d.handlePreload)
	api("POST /api/models/unload", "models.unload", d.handleUnload)
	api("POST /api/tts/warmup", "tts.warmup", d.handleTTSWarmup)

	t := traceAPI{store: d.traceStore}
	api("GET /api/traces/sessions", "traces.sessions", t.listSessions)
	api("GET /api/traces/sessions/{id}", "traces.session", t.getSession)
	api("GET /api/traces/sessions/{id}/runs/{runId}", "traces.run", t.getRun)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response", "error", err)
	}
}

func (d deps) handleModels(w http.ResponseWriter, r *http.Request) {
	llm := map[string]any{
		"engines": d.svc.LLM.Engines(),
		"default": d.svc.LLM.Fallback(),
	}
	if d.svc.LLM.Has("ollama") {
		installed, err := d.ollama.Installed(r.Context())
		if err != nil {
			slog.Warn("list ollama models", "error", err)
			installed = []string{d.llmModel}
		}
		loaded, _ := d.ollama.Loaded(r.Context())
		names := make([]string, 0, len(loaded))
		for _, m := range loaded {
			names = append(names, m.Name)
		}
		llm["active"] = d.llmModel
		llm["models"] = installed
		llm["loaded"] = names
	}

	writeJSON(w, map[string]any{
		"asr": map[string]any{"engines": d.svc.ASR.Engines(), "active": d.svc.ASREngine},
		"llm": llm,
		"tts": map[string]any{
			"engines":    d.svc.TTS.Engines(),
			"active":     d.svc.TTSEngine,
			"media_type": d.svc.MediaType(),
		},
	})
}

func (d deps) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	slog.Info("preloading llm model", "model", req.Model)
	if err := d.ollama.Preload(r.Context(), req.Model); err != nil {
		slog.Error("preload model", "model", req.Model, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d deps) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var err error
	if req.Model == "" {
		err = d.ollama.UnloadAll(r.Context())
	} else {
		err = d.ollama.Unload(r.Context(), req.Model)
	}
	if err != nil {
		slog.Error("unload model", "model", req.Model, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	slog.Info("model unloaded", "model", req.Model)
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleTTSWarmup synthesizes a short phrase so the first real sentence does not pay
// the engine's model load.
func (d deps) handleTTSWarmup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Engine == "" {
		req.Engine = d.svc.TTSEngine
	}
	if !d.svc.TTS.Has(req.Engine) {
		http.Error(w, "engine not available", http.StatusNotFound)
		return
	}
	res, err := d.svc.TTS.Synthesize(r.Context(), "Hello.", req.Engine, d.svc.TTSOptions)
	if err != nil {
		slog.Error("tts warmup", "engine", req.Engine, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	slog.Info("tts engine warmed up", "engine", req.Engine, "latency_ms", res.LatencyMs)
	writeJSON(w, map[string]any{"status": "ok", "latency_ms": res.LatencyMs})
}

type traceAPI struct {
	store *trace.Store
}

func (t traceAPI) enabled(w http.ResponseWriter) bool {
	if t.store == nil {
		http.Error(w, "tracing disabled", http.StatusNotFound)
		return false
	}
	return true
}

func (t traceAPI) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, trace.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	slog.Error("trace query", "error", err)
	http.Error(w, "trace store unavailable", http.StatusInternalServerError)
}

func (t traceAPI) listSessions(w http.ResponseWriter, r *http.Request) {
	if !t.enabled(w) {
		return
	}
	limit := queryInt(r, "limit", defaultTraceSessionLimit)
	offset := queryInt(r, "offset", 0)
	sessions, total, err := t.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		t.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions, "total": total})
}

func (t traceAPI) getSession(w http.ResponseWriter, r *http.Request) {
	if !t.enabled(w) {
		return
	}
	sess, runs, err := t.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		t.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"session": sess, "runs": runs})
}

func (t traceAPI) getRun(w http.ResponseWriter, r *http.Request) {
	if !t.enabled(w) {
		return
	}
	run, spans, err := t.store.GetRun(r.Context(), r.PathValue("id"), r.PathValue("runId"))
	if err != nil {
		t.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"run": run, "spans": spans})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
