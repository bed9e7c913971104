package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	ssePrefix  = "data: "
	sseDone    = "[DONE]"
	maxSSELine = 1 << 20 // 1MB per event line
)

// BackendClient is the streaming HTTP client for the vLLM completions
// endpoint. One instance is shared by all worker invocations.
type BackendClient struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// NewBackendClient creates a client for baseURL (e.g. "http://vllm:8000").
// timeout is the hard per-call limit covering the whole stream read.
func NewBackendClient(baseURL string, timeout time.Duration, log *slog.Logger) *BackendClient {
	if log == nil {
		log = slog.Default()
	}
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

// backendRequest mirrors the OpenAI-compatible completions body sent to vLLM.
// The worker always streams from the backend regardless of the client's own
// stream flag.
type backendRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// StreamCompletion opens the streaming completions call for item and invokes
// onChunk for every parsed server-sent event until the backend signals
// [DONE] or closes the stream. Malformed JSON lines are skipped with a
// warning. Returns an error for connection failures, non-2xx statuses, and
// mid-stream read errors.
func (c *BackendClient) StreamCompletion(ctx context.Context, item WorkItem, onChunk func(ChunkData)) error {
	body := encodeJSON(backendRequest{
		Model:       item.Model,
		Prompt:      item.Prompt,
		MaxTokens:   item.MaxTokens,
		Temperature: item.Temperature,
		Stream:      true,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("proxy: build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("proxy: backend call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded slice of the error body for the message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("proxy: backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, ssePrefix) {
			continue // comments, blank keep-alive lines
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, ssePrefix))
		if payload == sseDone {
			return nil
		}

		var chunk ChunkData
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Warn("backend_malformed_chunk",
				slog.String("request_id", item.RequestID),
				slog.String("line", truncate(line, 200)),
			)
			continue
		}

		onChunk(chunk)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: backend stream read: %w", err)
	}

	// EOF without [DONE] — the backend closed cleanly; treat as end of stream.
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
