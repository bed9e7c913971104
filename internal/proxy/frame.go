package proxy

import (
	"encoding/json"
	"fmt"
)

// CompletionRequest is the client-supplied body of POST /v1/completions and
// of every WebSocket text frame carrying a request.
type CompletionRequest struct {
	// RequestID is optional; the gateway assigns a UUIDv4 when absent.
	RequestID string `json:"request_id,omitempty"`

	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// Validate checks the schema constraints shared by HTTP and WebSocket.
func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("field 'model' is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("field 'prompt' must not be empty")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("field 'max_tokens' must be a positive integer")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("field 'temperature' must be in [0, 2]")
	}
	return nil
}

// WorkItem is the request-topic payload: the validated request plus its
// assigned id. Delivery is at-least-once; duplicates are tolerated because
// frames for a gone waiter are simply dropped by the dispatcher.
type WorkItem struct {
	RequestID   string  `json:"request_id"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// Choice is one completion alternative inside a backend chunk.
type Choice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

// ChunkData is the body of one model-backend chunk as republished on the
// response topic.
type ChunkData struct {
	Choices []Choice `json:"choices"`
}

// Frame is the response-topic payload. Exactly one frame per work item has
// Done=true; a non-empty Error implies Done.
type Frame struct {
	RequestID string     `json:"request_id"`
	Data      *ChunkData `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Done      bool       `json:"done"`
}

// Chunk is the envelope emitted to clients for every streamed piece,
// mirroring the OpenAI text_completion chunk shape.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Choices []Choice `json:"choices"`
	Model   string   `json:"model"`
}

// ErrorChunk is the terminal error envelope emitted when a stream produced
// no output before timing out or failing.
type ErrorChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Message string `json:"message"`
}

// UnaryResponse is the body of a successful non-streaming completion.
type UnaryResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// encodeJSON marshals v, panicking on failure. All types passed here are
// plain structs that cannot fail to marshal.
func encodeJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("proxy: marshal %T: %v", v, err))
	}
	return data
}
