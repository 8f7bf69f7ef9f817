package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an LLMClient for testing. Responses can be queued per call
// or set globally; errors are injected the same way.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ResponseText string
	CostPerCall  float64
	InputTokens  int
	OutputTokens int

	mu        sync.Mutex
	responses []mockResponse

	requestCount atomic.Int64
}

type mockResponse struct {
	text string
	err  error
}

// NewMockClient creates a mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ResponseText: "[]",
		CostPerCall:  0.001,
		InputTokens:  100,
		OutputTokens: 10,
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// QueueResponse appends a canned successful response consumed in FIFO order.
func (c *MockClient) QueueResponse(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, mockResponse{text: text})
}

// QueueJSON appends a canned response serialized from v.
func (c *MockClient) QueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mock: marshal queued response: %v", err))
	}
	c.QueueResponse(string(data))
}

// QueueError appends an injected failure consumed in FIFO order.
func (c *MockClient) QueueError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, mockResponse{err: err})
}

// Requests returns the number of Chat calls made.
func (c *MockClient) Requests() int {
	return int(c.requestCount.Load())
}

// Chat returns the next queued response, or the default ResponseText when
// the queue is empty. Usage is reported on every call, including failures.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	count := c.requestCount.Add(1)

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ChatResult{
		RequestID:        fmt.Sprintf("mock-%d", count),
		Provider:         MockClientName,
		ModelUsed:        req.Model,
		PromptTokens:     c.InputTokens,
		CompletionTokens: c.OutputTokens,
		TotalTokens:      c.InputTokens + c.OutputTokens,
		CostUSD:          c.CostPerCall,
		ExecutionTime:    c.Latency,
	}

	c.mu.Lock()
	var next *mockResponse
	if len(c.responses) > 0 {
		next = &c.responses[0]
		c.responses = c.responses[1:]
	}
	c.mu.Unlock()

	if next != nil && next.err != nil {
		result.ErrorType = "provider_error"
		result.ErrorMessage = next.err.Error()
		return result, next.err
	}

	result.Success = true
	if next != nil {
		result.Content = next.text
	} else {
		result.Content = c.ResponseText
	}
	return result, nil
}
