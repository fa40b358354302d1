package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/pipeline"
	"github.com/liuscraft/vocistant/internal/refine"
)

// Control actions accepted on /ws/audio.
const (
	ActionStart           = "start"
	ActionStop            = "stop"
	ActionUpdateConfig    = "update_config"
	ActionUpdateLLMConfig = "update_llm_config"
)

// ControlMessage is a client request. Config is decoded per action.
type ControlMessage struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Config json.RawMessage `json:"config,omitempty"`
}

// errorMessage reports a rejected control message back to its sender.
type errorMessage struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

// PipelinePatch holds the pipeline settings a client may change. Absent
// fields keep their current value.
type PipelinePatch struct {
	CorrectionEnabled *bool   `json:"correction_enabled"`
	TargetLanguage    *string `json:"target_language"`
	ASRLanguage       *string `json:"asr_language"`
	ContextEnabled    *bool   `json:"context_enabled"`
	ContextCount      *int    `json:"context_count"`
	OutputMode        *string `json:"output_mode"`
	TypewriterDelayMs *int    `json:"typewriter_delay_ms"`
}

// decodeConfig fills v from raw. A missing config leaves v untouched.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (p PipelinePatch) Apply(base pipeline.Config) (pipeline.Config, error) {
	cfg := base
	if p.CorrectionEnabled != nil {
		cfg.CorrectionEnabled = *p.CorrectionEnabled
	}
	if p.TargetLanguage != nil {
		cfg.TargetLanguage = strings.TrimSpace(*p.TargetLanguage)
	}
	if p.ASRLanguage != nil {
		cfg.ASRLanguage = strings.TrimSpace(*p.ASRLanguage)
		if cfg.ASRLanguage == "" {
			cfg.ASRLanguage = "auto"
		}
	}
	if p.ContextEnabled != nil {
		cfg.ContextEnabled = *p.ContextEnabled
	}
	if p.ContextCount != nil {
		if *p.ContextCount < 0 {
			return base, fmt.Errorf("context_count must be non-negative, got %d", *p.ContextCount)
		}
		cfg.ContextCount = *p.ContextCount
	}
	if p.OutputMode != nil {
		mode, err := output.ParseMode(*p.OutputMode)
		if err != nil {
			return base, err
		}
		cfg.OutputMode = mode
	}
	if p.TypewriterDelayMs != nil {
		if *p.TypewriterDelayMs < 0 {
			return base, fmt.Errorf("typewriter_delay_ms must be non-negative, got %d", *p.TypewriterDelayMs)
		}
		cfg.TypewriterDelay = time.Duration(*p.TypewriterDelayMs) * time.Millisecond
	}
	return cfg, nil
}

// LLMPatch holds the language model settings a client may change.
type LLMPatch struct {
	Provider       *string  `json:"provider"`
	APIKey         *string  `json:"api_key"`
	BaseURL        *string  `json:"base_url"`
	Model          *string  `json:"model"`
	TimeoutSeconds *float64 `json:"timeout_seconds"`
	Temperature    *float64 `json:"temperature"`
	MaxRetries     *int     `json:"max_retries"`
	MaxTokens      *int     `json:"max_tokens"`
}

func (p LLMPatch) Apply(base refine.Config) (refine.Config, error) {
	cfg := base
	if p.Provider != nil {
		switch v := strings.ToLower(strings.TrimSpace(*p.Provider)); v {
		case "openai", "ollama":
			cfg.Provider = v
		default:
			return base, fmt.Errorf("unsupported llm provider: %s", *p.Provider)
		}
	}
	if p.APIKey != nil {
		cfg.APIKey = strings.TrimSpace(*p.APIKey)
	}
	if p.BaseURL != nil {
		cfg.BaseURL = strings.TrimSpace(*p.BaseURL)
	}
	if p.Model != nil {
		cfg.Model = strings.TrimSpace(*p.Model)
	}
	if p.TimeoutSeconds != nil {
		if *p.TimeoutSeconds <= 0 {
			return base, fmt.Errorf("timeout_seconds must be positive, got %v", *p.TimeoutSeconds)
		}
		cfg.Timeout = time.Duration(*p.TimeoutSeconds * float64(time.Second))
	}
	if p.Temperature != nil {
		cfg.Temperature = float32(*p.Temperature)
	}
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return base, fmt.Errorf("max_retries must be non-negative, got %d", *p.MaxRetries)
		}
		cfg.MaxRetries = *p.MaxRetries
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	return cfg, nil
}
