package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"
)

// openAIPricing maps model prefixes to USD per 1M input/output tokens.
// Chat completions do not report cost, so it is estimated from usage.
var openAIPricing = []struct {
	prefix   string
	inPer1M  float64
	outPer1M float64
}{
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4.1-mini", 0.40, 1.60},
	{"gpt-4.1", 2.00, 8.00},
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	BaseURL      string // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	defaultModel string
	client       openai.Client
}

// NewOpenAIClient creates a new OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 600 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		// Retry lives with the caller so every billed attempt is recorded.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Chat sends a chat completion request. One attempt; the caller owns retry.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
		Temperature: openai.Float(req.Temperature),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat != nil && len(req.ResponseFormat.JSONSchema) > 0 {
		var schema any
		if err := json.Unmarshal(req.ResponseFormat.JSONSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid response format schema: %w", err)
		}
		name := req.ResponseFormat.Name
		if name == "" {
			name = "structured_output"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	result := &ChatResult{
		RequestID: requestID,
		Provider:  OpenAIName,
		ModelUsed: model,
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	result.ExecutionTime = time.Since(start)

	if err != nil {
		err = mapOpenAIError(err)
		result.ErrorType = "provider_error"
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.PromptTokens = int(completion.Usage.PromptTokens)
	result.CompletionTokens = int(completion.Usage.CompletionTokens)
	result.TotalTokens = int(completion.Usage.TotalTokens)
	result.CostUSD = estimateOpenAICostUSD(model, result.PromptTokens, result.CompletionTokens)
	if completion.Model != "" {
		result.ModelUsed = completion.Model
	}

	if len(completion.Choices) == 0 {
		err := &TransientError{Message: fmt.Sprintf("no choices in response (model=%s, id=%s)", completion.Model, completion.ID)}
		result.ErrorType = "empty_response"
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.Success = true
	result.Content = completion.Choices[0].Message.Content
	return result, nil
}

// mapOpenAIError converts SDK errors into the shared failure taxonomy.
func mapOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		case retryableStatus(apiErr.StatusCode):
			return &TransientError{
				Message:    fmt.Sprintf("OpenAI error: %s", apiErr.Message),
				StatusCode: apiErr.StatusCode,
			}
		}
		return fmt.Errorf("OpenAI error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return &TransientError{Message: err.Error()}
}

func estimateOpenAICostUSD(model string, inputTokens, outputTokens int) float64 {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, p := range openAIPricing {
		if strings.HasPrefix(m, p.prefix) {
			return float64(inputTokens)*(p.inPer1M/1_000_000.0) +
				float64(outputTokens)*(p.outPer1M/1_000_000.0)
		}
	}
	return 0
}
