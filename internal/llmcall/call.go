// Package llmcall records every LLM API call for traceability. The ledger is
// the source of truth for spend: a run's usage accumulator must equal the sum
// of its recorded calls, failed attempts included.
package llmcall

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cookmarks/cookmarks/internal/providers"
)

// Call is one recorded LLM API attempt.
type Call struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Attribution
	RunID   string `json:"run_id,omitempty"`
	BookRef string `json:"book_ref,omitempty"`
	Purpose string `json:"purpose"` // "extract", "image_match_probe"

	Provider string `json:"provider"`
	Model    string `json:"model"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecordOptions carries attribution for a recorded call.
type RecordOptions struct {
	RunID   string
	BookRef string
	Purpose string
}

// FromChatResult builds a Call from a provider result. Returns nil when
// result is nil (nothing was billed).
func FromChatResult(result *providers.ChatResult, opts RecordOptions) *Call {
	if result == nil {
		return nil
	}

	call := &Call{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		LatencyMs:    int(result.ExecutionTime.Milliseconds()),
		RunID:        opts.RunID,
		BookRef:      opts.BookRef,
		Purpose:      opts.Purpose,
		Provider:     result.Provider,
		Model:        result.ModelUsed,
		InputTokens:  result.PromptTokens,
		OutputTokens: result.CompletionTokens,
		CostUSD:      result.CostUSD,
		Success:      result.Success,
	}
	if !result.Success {
		call.Error = result.ErrorMessage
	}
	return call
}

// Recorder persists calls. Implementations must tolerate being called from
// concurrent runs.
type Recorder interface {
	RecordCall(ctx context.Context, call *Call) error
}

// Discard is a Recorder that drops every call; used in tests.
type Discard struct{}

func (Discard) RecordCall(context.Context, *Call) error { return nil }
