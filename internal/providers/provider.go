// Package providers wraps the external LLM services used for recipe
// extraction. Each client makes a single attempt per call; retry policy and
// rate limiting belong to the caller so that usage can be accounted per
// attempt.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the interface all chat providers implement.
type LLMClient interface {
	// Chat sends a chat completion request. On provider failure the returned
	// ChatResult still carries any usage the provider reported for the
	// attempt, alongside a non-nil error.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g. "openrouter", "openai").
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat requests structured output from the provider.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	Name       string          `json:"name,omitempty"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (client default when empty)
	Model string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the response from an LLM call, including the usage metrics
// the run-level accumulator sums over.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`

	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Usage is the token/cost triple extracted from a ChatResult.
type Usage struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// Usage returns the usage metrics of this result.
func (r *ChatResult) Usage() Usage {
	if r == nil {
		return Usage{}
	}
	return Usage{
		CostUSD:      r.CostUSD,
		InputTokens:  r.PromptTokens,
		OutputTokens: r.CompletionTokens,
	}
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.CostUSD += other.CostUSD
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
