package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/cookmarks/cookmarks/internal/providers"
)

func TestClientRateLimit(t *testing.T) {
	mock := providers.NewMockClient()
	mock.QueueError(&providers.RateLimitError{
		Message:    "too many requests",
		RetryAfter: 30 * time.Second,
		StatusCode: 429,
	})

	limiter := providers.NewRateLimiter(60)
	client := NewClient(ClientConfig{
		LLM:        mock,
		Limiter:    limiter,
		Model:      "mock-model",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})

	_, usage, err := client.ExtractRecipes(context.Background(), Attribution{RunID: "r1"}, "content", "", false)
	if _, ok := providers.IsRateLimitError(err); !ok {
		t.Fatalf("error = %v, want a rate limit error", err)
	}
	if mock.Requests() != 1 {
		t.Errorf("429 must not be retried, got %d requests", mock.Requests())
	}
	// The rejected attempt was still billed.
	if usage.CostUSD != 0.001 {
		t.Errorf("usage cost = %f, want 0.001", usage.CostUSD)
	}

	// The provider's retry-after drains the shared bucket, so concurrent runs
	// back off instead of piling on.
	if limiter.TryConsume() {
		t.Error("expected the limiter drained after a provider 429")
	}
	if limiter.Status().Last429Time.IsZero() {
		t.Error("expected the 429 recorded on the limiter")
	}
}
