package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/cookmarks/cookmarks/internal/llmcall"
	"github.com/cookmarks/cookmarks/internal/providers"
)

// ErrSchemaViolation indicates the model returned a payload that does not
// conform to the recipe schema. It is not retried: the content is treated as
// yielding no recipes and the validator decides what happens next.
var ErrSchemaViolation = errors.New("extraction: payload violates recipe schema")

// ClientConfig configures an extraction client.
type ClientConfig struct {
	LLM      providers.LLMClient
	Limiter  *providers.RateLimiter
	Recorder llmcall.Recorder
	Logger   *slog.Logger

	Model string

	// Retry policy for transient provider failures.
	MaxRetries int
	RetryDelay time.Duration
}

// Client drives LLM extraction calls. It owns retry and rate limiting so that
// every attempt, successful or not, is billed into the run accumulator and
// the call ledger.
type Client struct {
	llm      providers.LLMClient
	limiter  *providers.RateLimiter
	recorder llmcall.Recorder
	logger   *slog.Logger

	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates an extraction client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = llmcall.Discard{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Client{
		llm:        cfg.LLM,
		limiter:    cfg.Limiter,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// ProviderName returns the underlying LLM client's identifier.
func (c *Client) ProviderName() string {
	if c.llm == nil {
		return ""
	}
	return c.llm.Name()
}

// DefaultModel returns the model used when a run carries no override.
func (c *Client) DefaultModel() string {
	return c.model
}

// Attribution ties a call to its run for the ledger.
type Attribution struct {
	RunID   string
	BookRef string
}

// ExtractRecipes sends content to the LLM and returns the recipes it found.
// The returned usage covers every attempt made, including failed ones. When
// forceImages is set the prompt insists on image references; used for the
// human-directed re-extraction of books known to have images.
func (c *Client) ExtractRecipes(ctx context.Context, attr Attribution, content, model string, forceImages bool) ([]RecipeDraft, providers.Usage, error) {
	prompt := buildExtractPrompt(content, forceImages)
	raw, usage, err := c.chat(ctx, attr, "extract", prompt, model)
	if err != nil {
		return nil, usage, err
	}

	recipes, err := parseRecipes(raw)
	if err != nil {
		return nil, usage, err
	}
	return recipes, usage, nil
}

// CheckImageMatch asks the LLM whether images in the sampled chapter content
// can be tied back to individual recipes. Used when choosing an extraction
// strategy for books that store images in separate spine files.
func (c *Client) CheckImageMatch(ctx context.Context, attr Attribution, sampleContent, model string) (bool, providers.Usage, error) {
	prompt := buildImageProbePrompt(sampleContent)
	raw, usage, err := c.chat(ctx, attr, "image_match_probe", prompt, model)
	if err != nil {
		return false, usage, err
	}

	answer := strings.ToLower(strings.TrimSpace(strings.Trim(raw, `"'.`)))
	switch {
	case strings.HasPrefix(answer, "yes"):
		return true, usage, nil
	case strings.HasPrefix(answer, "no"):
		return false, usage, nil
	default:
		c.logger.Warn("image probe returned a non yes/no answer, assuming no",
			"run_id", attr.RunID, "answer", truncateAnswer(raw))
		return false, usage, nil
	}
}

// chat runs one logical call with bounded retries on transient failure. Rate
// limit errors are surfaced immediately; the limiter has already been drained.
func (c *Client) chat(ctx context.Context, attr Attribution, purpose, prompt, model string) (string, providers.Usage, error) {
	if model == "" {
		model = c.model
	}

	var usage providers.Usage
	var content string

	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
		}

		result, err := c.llm.Chat(ctx, &providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    model,
		})
		usage.Add(result.Usage())
		c.record(ctx, result, attr, purpose)

		if err != nil {
			if rle, ok := providers.IsRateLimitError(err); ok {
				if c.limiter != nil {
					c.limiter.Record429(rle.RetryAfter)
				}
				return retry.Unrecoverable(err)
			}
			if providers.IsTransientError(err) {
				c.logger.Warn("transient provider failure",
					"run_id", attr.RunID, "purpose", purpose, "error", err)
				return err
			}
			return retry.Unrecoverable(err)
		}

		content = result.Content
		return nil
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", usage, err
	}
	return content, usage, nil
}

func (c *Client) record(ctx context.Context, result *providers.ChatResult, attr Attribution, purpose string) {
	call := llmcall.FromChatResult(result, llmcall.RecordOptions{
		RunID:   attr.RunID,
		BookRef: attr.BookRef,
		Purpose: purpose,
	})
	if call == nil {
		return
	}
	if err := c.recorder.RecordCall(ctx, call); err != nil {
		c.logger.Error("failed to record llm call", "run_id", attr.RunID, "error", err)
	}
}

// parseRecipes decodes and validates the model's payload. Markdown code
// fences around the JSON are tolerated.
func parseRecipes(raw string) ([]RecipeDraft, error) {
	cleaned := stripCodeFences(raw)

	var payload any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if err := validateRecipePayload(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	var recipes []RecipeDraft
	if err := json.Unmarshal([]byte(cleaned), &recipes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return recipes, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncateAnswer(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
