package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// NewPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
// Every request is recorded as an OpenTelemetry client span named after the URL path.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(pooledTransport(poolSize),
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		),
	}
}

// pooledTransport sets no header deadline: whisper and a cold Ollama only answer
// once their work is done, so the caller's stage timeout is the only bound.
func pooledTransport(poolSize int) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// maxErrorBody bounds how much of a failed upstream response is quoted in the error.
const maxErrorBody = 512

// newJSONRequest builds a POST carrying payload as a JSON body.
func newJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// send performs req and hands back the response only for a 200. Transport and status
// failures are counted against stage; the caller closes the returned body.
func send(client *http.Client, req *http.Request, stage, upstream string) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues(stage, "http").Inc()
		return nil, fmt.Errorf("%s request: %w", upstream, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	metrics.Errors.WithLabelValues(stage, "status").Inc()
	quoted, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, fmt.Errorf("%s status %d: %s", upstream, resp.StatusCode, bytes.TrimSpace(quoted))
}

// fetch sends req and reads the whole response body.
func fetch(client *http.Client, req *http.Request, stage, upstream string) ([]byte, error) {
	resp, err := send(client, req, stage, upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", upstream, err)
	}
	return data, nil
}
