package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// Completer is a chat-style language model backend.
type Completer interface {
	Complete(ctx context.Context, messages []*schema.Message) (string, error)
}

type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxRetries  int
	MaxTokens   int
}

func DefaultConfig() Config {
	return Config{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Timeout:     10 * time.Second,
		Temperature: 0.3,
		MaxRetries:  2,
		MaxTokens:   500,
	}
}

// EinoCompleter adapts an eino chat model.
type EinoCompleter struct {
	model model.BaseChatModel
}

func NewEinoCompleter(chatModel model.BaseChatModel) *EinoCompleter {
	return &EinoCompleter{model: chatModel}
}

// NewOpenAICompleter builds an OpenAI-compatible chat model. The ollama
// provider talks to a local server through the same API.
func NewOpenAICompleter(ctx context.Context, cfg Config) (*EinoCompleter, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	apiKey := strings.TrimSpace(cfg.APIKey)
	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		if baseURL == "" {
			baseURL = defaultOllamaBaseURL
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
	case "openai", "":
		if apiKey == "" {
			return nil, errors.New("llm api key is required for the openai provider")
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}

	modelCfg := &openai.ChatModelConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		modelCfg.Temperature = &temperature
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelCfg.MaxTokens = &maxTokens
	}

	chatModel, err := openai.NewChatModel(ctx, modelCfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return NewEinoCompleter(chatModel), nil
}

func (c *EinoCompleter) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	msg, err := c.model.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}
