package providers

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		rl := NewRateLimiter(60)
		for i := 0; i < 10; i++ {
			if !rl.TryConsume() {
				t.Fatalf("request %d should be admitted with a full bucket", i)
			}
		}
	})

	t.Run("blocks when bucket empty", func(t *testing.T) {
		rl := NewRateLimiter(60)
		for rl.TryConsume() {
		}
		if rl.TryConsume() {
			t.Error("expected empty bucket to reject")
		}
	})

	t.Run("wait respects cancellation", func(t *testing.T) {
		rl := NewRateLimiter(60)
		for rl.TryConsume() {
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := rl.Wait(ctx)
		if err != context.DeadlineExceeded {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("shared across goroutines", func(t *testing.T) {
		rl := NewRateLimiter(1000)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rl.Wait(context.Background())
			}()
		}
		wg.Wait()

		if got := rl.Status().TotalConsumed; got != 20 {
			t.Errorf("expected 20 consumed tokens, got %d", got)
		}
	})

	t.Run("record429 drains bucket", func(t *testing.T) {
		rl := NewRateLimiter(60)
		rl.Record429(5 * time.Second)
		if rl.TryConsume() {
			t.Error("expected drained bucket to reject")
		}
		if rl.Status().Last429Time.IsZero() {
			t.Error("expected Last429Time to be set")
		}
	})
}

func TestMockClient(t *testing.T) {
	t.Run("queued responses consumed in order", func(t *testing.T) {
		c := NewMockClient()
		c.QueueResponse("first")
		c.QueueResponse("second")

		r1, err := c.Chat(context.Background(), &ChatRequest{})
		if err != nil || r1.Content != "first" {
			t.Fatalf("got (%q, %v), want first", r1.Content, err)
		}
		r2, _ := c.Chat(context.Background(), &ChatRequest{})
		if r2.Content != "second" {
			t.Errorf("got %q, want second", r2.Content)
		}
		r3, _ := c.Chat(context.Background(), &ChatRequest{})
		if r3.Content != "[]" {
			t.Errorf("got %q, want default once queue drained", r3.Content)
		}
	})

	t.Run("injected error still reports usage", func(t *testing.T) {
		c := NewMockClient()
		c.QueueError(&TransientError{Message: "boom"})

		result, err := c.Chat(context.Background(), &ChatRequest{})
		if !IsTransientError(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if result.CostUSD != c.CostPerCall {
			t.Errorf("failed attempt should still carry cost, got %v", result.CostUSD)
		}
	})
}
