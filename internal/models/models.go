// Package models manages the Ollama models behind the local generation engine:
// listing what is installed, warming a model up and unloading it again.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Ollama talks to the model-management endpoints of one Ollama server.
type Ollama struct {
	url    string
	client *http.Client

	unloadWait time.Duration
	unloadPoll time.Duration
}

// NewOllama creates a client. A nil client gets http.DefaultClient; every call
// is bounded by the caller's context.
func NewOllama(url string, client *http.Client) *Ollama {
	if client == nil {
		client = http.DefaultClient
	}
	return &Ollama{
		url:        strings.TrimRight(url, "/"),
		client:     client,
		unloadWait: 10 * time.Second,
		unloadPoll: 500 * time.Millisecond,
	}
}

// LoadedModel describes a model currently resident in Ollama memory.
type LoadedModel struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Installed returns the names of installed chat models. Embedding models are skipped.
func (o *Ollama) Installed(ctx context.Context) ([]string, error) {
	body, err := o.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range modelList(body) {
		name := m.Get("name").String()
		if name != "" && !strings.Contains(name, "embed") {
			names = append(names, name)
		}
	}
	return names, nil
}

// Loaded returns the models currently loaded, via /api/ps.
func (o *Ollama) Loaded(ctx context.Context) ([]LoadedModel, error) {
	body, err := o.get(ctx, "/api/ps")
	if err != nil {
		return nil, err
	}
	var out []LoadedModel
	for _, m := range modelList(body) {
		if name := m.Get("name").String(); name != "" {
			out = append(out, LoadedModel{Name: name, Size: m.Get("size").Int()})
		}
	}
	return out, nil
}

// modelList returns the entries of the "models" array. Ollama reports an
// empty set as null.
func modelList(body []byte) []gjson.Result {
	r := gjson.GetBytes(body, "models")
	if !r.IsArray() {
		return nil
	}
	return r.Array()
}

// Preload asks Ollama to load model and keep it resident.
func (o *Ollama) Preload(ctx context.Context, model string) error {
	return o.generate(ctx, map[string]any{"model": model, "keep_alive": -1})
}

// Unload asks Ollama to evict model and waits until /api/ps no longer lists it.
func (o *Ollama) Unload(ctx context.Context, model string) error {
	if err := o.generate(ctx, map[string]any{"model": model, "keep_alive": 0, "stream": false}); err != nil {
		return err
	}

	deadline := time.NewTimer(o.unloadWait)
	defer deadline.Stop()
	poll := time.NewTicker(o.unloadPoll)
	defer poll.Stop()
	for {
		loaded, err := o.Loaded(ctx)
		if err != nil {
			return nil // best-effort
		}
		if !isLoaded(loaded, model) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("model %s still loaded after %s", model, o.unloadWait)
		case <-poll.C:
		}
	}
}

// UnloadAll evicts every loaded model.
func (o *Ollama) UnloadAll(ctx context.Context) error {
	loaded, err := o.Loaded(ctx)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		if err := o.Unload(ctx, m.Name); err != nil {
			return fmt.Errorf("unload %s: %w", m.Name, err)
		}
	}
	return nil
}

func isLoaded(loaded []LoadedModel, model string) bool {
	for _, m := range loaded {
		if m.Name == model {
			return true
		}
	}
	return false
}

func (o *Ollama) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", o.url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama %s status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama %s: %w", path, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("ollama %s: invalid JSON response", path)
	}
	return body, nil
}

func (o *Ollama) generate(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama generate status %d", resp.StatusCode)
	}
	return nil
}
