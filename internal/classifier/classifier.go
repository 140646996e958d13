package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/relayguard/internal/config"
)

const temperature = 0.3

var ErrEmptyResponse = errors.New("classifier: empty model response")

// LLM classifies messages with a chat completion model.
type LLM struct {
	provider model.Provider
	timeout  time.Duration
}

// NewLLM builds the provider named in cfg. Unknown providers fall back to
// openai, which also covers OpenAI-compatible gateways through base_url.
func NewLLM(cfg config.ClassifierConfig) *LLM {
	temp := temperature
	var provider model.Provider
	switch cfg.Provider {
	case "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: &temp,
			CacheTTL:    time.Hour,
		}
	default:
		provider = &model.OpenAIProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: &temp,
			CacheTTL:    time.Hour,
		}
	}
	return NewLLMWithProvider(provider, cfg.Timeout)
}

// NewLLMWithProvider wraps an existing provider (used by tests).
func NewLLMWithProvider(p model.Provider, timeout time.Duration) *LLM {
	if timeout <= 0 {
		timeout = config.DefaultClassifierTimeout
	}
	return &LLM{provider: p, timeout: timeout}
}

// Classify asks the model whether text is spam. Errors are returned as-is;
// callers decide how to fail.
func (l *LLM) Classify(ctx context.Context, displayName, text string) (Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return Clean(), errors.New("classifier: empty message text")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	mdl, err := l.provider.Model(ctx)
	if err != nil {
		return Clean(), fmt.Errorf("classifier model: %w", err)
	}

	resp, err := mdl.Complete(ctx, model.Request{
		System: systemPrompt,
		Messages: []model.Message{
			{Role: "user", Content: userPrompt(displayName, text)},
		},
	})
	if err != nil {
		return Clean(), fmt.Errorf("classifier complete: %w", err)
	}
	if resp == nil {
		return Clean(), ErrEmptyResponse
	}
	raw := strings.TrimSpace(resp.Message.Content)
	if raw == "" {
		return Clean(), ErrEmptyResponse
	}
	return ParseVerdict(raw), nil
}
