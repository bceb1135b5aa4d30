package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/ws/voice", "gateway WebSocket URL")
	mode := flag.String("mode", "voice", "request kind: voice | chat | spoken")
	concurrency := flag.Int("concurrency", 10, "number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample .wav files; a .txt beside a sample is its reference transcript")
	prompt := flag.String("prompt", "Tell me a fun fact about the ocean.", "prompt for chat modes")
	timeout := flag.Duration("timeout", 60*time.Second, "per-request timeout")
	flag.Parse()

	samples, err := findSamples(*audioDir)
	if *mode == "voice" && (err != nil || len(samples) == 0) {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		samples = nil
	}

	fmt.Printf("Load test: %d concurrent clients for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Mode: %s\n\n", *gateway, *mode)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var mu sync.Mutex
	var results []result
	g, ctx := errgroup.WithContext(ctx)
	for range *concurrency {
		g.Go(func() error {
			c := client{url: *gateway, timeout: *timeout}
			defer c.close()
			for ctx.Err() == nil {
				msg, reference := buildRequest(*mode, *prompt, samples)
				r := c.request(msg)
				if r.success && reference != "" {
					r.wer = wordErrorRate(reference, r.transcript)
					r.scored = true
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	printSummary(results)
}

// result is the timing of one request, measured from the moment it was sent.
type result struct {
	success    bool
	sttDone    time.Duration
	firstAudio time.Duration
	firstToken time.Duration
	total      time.Duration
	chunks     int
	transcript string
	wer        float64
	scored     bool
	err        string
}

type client struct {
	url     string
	timeout time.Duration
	conn    *websocket.Conn
}

func (c *client) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// request sends one message on a long-lived connection and reads events until the
// run's terminal event. The connection is dropped after any failure.
func (c *client) request(msg map[string]any) result {
	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			return result{err: fmt.Sprintf("dial: %v", err)}
		}
		c.conn = conn
	}

	start := time.Now()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.close()
		return result{err: fmt.Sprintf("send: %v", err)}
	}

	terminal := "pipeline_done"
	if msg["type"] == "chat" && msg["speak"] != true {
		terminal = "done"
	}

	var r result
	c.conn.SetReadDeadline(start.Add(c.timeout))
	for {
		var ev struct {
			Type           string `json:"type"`
			Message        string `json:"message"`
			FullTranscript string `json:"full_transcript"`
		}
		if err := c.conn.ReadJSON(&ev); err != nil {
			c.close()
			r.err = fmt.Sprintf("read: %v", err)
			return r
		}
		elapsed := time.Since(start)
		switch ev.Type {
		case "stt_done":
			r.sttDone = elapsed
			r.transcript = ev.FullTranscript
		case "token", "llm_token":
			if r.firstToken == 0 {
				r.firstToken = elapsed
			}
		case "tts_chunk":
			if r.chunks == 0 {
				r.firstAudio = elapsed
			}
			r.chunks++
		case "error":
			// A failed sentence does not end the run.
			if !strings.HasPrefix(ev.Message, "TTS error") {
				r.err = ev.Message
				r.total = elapsed
				return r
			}
		case terminal:
			r.success = true
			r.total = elapsed
			return r
		}
	}
}

// buildRequest returns the message to send and, for recorded samples, the
// reference transcript to score recognition against.
func buildRequest(mode, prompt string, samples []sample) (map[string]any, string) {
	switch mode {
	case "chat":
		return map[string]any{"type": "chat", "prompt": prompt}, ""
	case "spoken":
		return map[string]any{"type": "chat", "prompt": prompt, "speak": true}, ""
	}
	if len(samples) > 0 {
		s := samples[rand.Intn(len(samples))]
		if data, err := os.ReadFile(s.path); err == nil {
			return map[string]any{"type": "audio", "data": data}, s.reference
		}
	}
	return map[string]any{
		"type":        "audio",
		"data":        generateSyntheticAudio(3 * time.Second),
		"format":      "pcm",
		"sample_rate": 16000,
	}, ""
}

func generateSyntheticAudio(dur time.Duration) []byte {
	sampleRate := 16000
	numSamples := int(dur.Seconds()) * sampleRate
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine wave with some noise to pass the speech gate
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

type sample struct {
	path      string
	reference string
}

func findSamples(dir string) ([]sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []sample
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".wav" {
			continue
		}
		s := sample{path: filepath.Join(dir, e.Name())}
		if ref, err := os.ReadFile(strings.TrimSuffix(s.path, ".wav") + ".txt"); err == nil {
			s.reference = strings.TrimSpace(string(ref))
		}
		out = append(out, s)
	}
	return out, nil
}

func printSummary(results []result) {
	var succeeded, failed int
	var stt, token, audio, total []float64
	var werSum float64
	var scored int
	errCounts := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errCounts[r.err]++
			continue
		}
		succeeded++
		stt = appendMs(stt, r.sttDone)
		token = appendMs(token, r.firstToken)
		audio = appendMs(audio, r.firstAudio)
		total = appendMs(total, r.total)
		if r.scored {
			werSum += r.wer
			scored++
		}
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Requests completed: %d\n", succeeded)
	fmt.Printf("Requests failed:    %d\n", failed)
	for msg, n := range errCounts {
		fmt.Printf("  %4d × %s\n", n, msg)
	}

	if succeeded == 0 {
		fmt.Println("No successful requests to report latencies")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Milestone", "p50", "p95", "p99")
	rows := []struct {
		name string
		data []float64
	}{
		{"stt_done", stt},
		{"first token", token},
		{"first audio", audio},
		{"complete", total},
	}
	for _, row := range rows {
		if len(row.data) == 0 {
			continue
		}
		fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", row.name,
			percentile(row.data, 50), percentile(row.data, 95), percentile(row.data, 99))
	}
	if scored > 0 {
		fmt.Printf("\nMean WER over %d scored transcripts: %.1f%%\n", scored, 100*werSum/float64(scored))
	}
}

func appendMs(data []float64, d time.Duration) []float64 {
	if d == 0 {
		return data
	}
	return append(data, float64(d.Milliseconds()))
}
