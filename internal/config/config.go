package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/vocistant.json"

type AppConfig struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Audio    AudioConfig    `json:"audio" yaml:"audio"`
	VAD      VADConfig      `json:"vad" yaml:"vad"`
	ASR      ASRConfig      `json:"asr" yaml:"asr"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	History  HistoryConfig  `json:"history" yaml:"history"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Events   EventsConfig   `json:"events" yaml:"events"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"VOCISTANT_ADDR"`
}

type AudioConfig struct {
	SampleRate  int    `json:"sample_rate" yaml:"sample_rate"`
	BlockSize   int    `json:"block_size" yaml:"block_size"`
	InputDevice string `json:"input_device" yaml:"input_device" env:"VOCISTANT_INPUT_DEVICE"`
	HighLatency bool   `json:"high_latency" yaml:"high_latency"`
	PreRollMs   int    `json:"pre_roll_ms" yaml:"pre_roll_ms"`
}

type VADConfig struct {
	Threshold        float64 `json:"threshold" yaml:"threshold"`
	FrameSize        int     `json:"frame_size" yaml:"frame_size"`
	MaxSilenceFrames int     `json:"max_silence_frames" yaml:"max_silence_frames"`
	EnergyReference  float64 `json:"energy_reference" yaml:"energy_reference"`
}

type ASRConfig struct {
	Backend             string  `json:"backend" yaml:"backend" env:"ASR_BACKEND"`
	APIKey              string  `json:"api_key" yaml:"api_key" env:"DASHSCOPE_API_KEY"`
	Model               string  `json:"model" yaml:"model"`
	Endpoint            string  `json:"endpoint" yaml:"endpoint"`
	Command             string  `json:"command" yaml:"command" env:"ASR_COMMAND"`
	PollIntervalMs      int     `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	FinalTimeoutSeconds float64 `json:"final_timeout_seconds" yaml:"final_timeout_seconds"`
}

type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider" env:"LLM_PROVIDER"`
	APIKey         string  `json:"api_key" yaml:"api_key" env:"LLM_API_KEY"`
	BaseURL        string  `json:"base_url" yaml:"base_url" env:"LLM_API_BASE"`
	Model          string  `json:"model" yaml:"model" env:"LLM_MODEL"`
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds" env:"LLM_TIMEOUT"`
	Temperature    float64 `json:"temperature" yaml:"temperature" env:"LLM_TEMPERATURE"`
	MaxRetries     int     `json:"max_retries" yaml:"max_retries" env:"LLM_MAX_RETRIES"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
}

type HistoryConfig struct {
	Backend     string `json:"backend" yaml:"backend" env:"VOCISTANT_HISTORY_BACKEND"`
	Path        string `json:"path" yaml:"path" env:"VOCISTANT_HISTORY_PATH"`
	DatabaseURL string `json:"database_url" yaml:"database_url" env:"VOCISTANT_DATABASE_URL"`
	Capacity    int    `json:"capacity" yaml:"capacity"`
}

type PipelineConfig struct {
	CorrectionEnabled  bool    `json:"correction_enabled" yaml:"correction_enabled"`
	TargetLanguage     string  `json:"target_language" yaml:"target_language"`
	ASRLanguage        string  `json:"asr_language" yaml:"asr_language" env:"ASR_DEFAULT_LANGUAGE"`
	ContextEnabled     bool    `json:"context_enabled" yaml:"context_enabled"`
	ContextCount       int     `json:"context_count" yaml:"context_count"`
	OutputMode         string  `json:"output_mode" yaml:"output_mode"`
	TypewriterDelayMs  int     `json:"typewriter_delay_ms" yaml:"typewriter_delay_ms"`
	IdleTimeoutSeconds float64 `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

type OutputConfig struct {
	InjectTool string `json:"inject_tool" yaml:"inject_tool" env:"VOCISTANT_INJECT_TOOL"`
}

type EventsConfig struct {
	NATSURL       string `json:"nats_url" yaml:"nats_url" env:"VOCISTANT_NATS_URL"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	LogHistory    int    `json:"log_history" yaml:"log_history"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			BlockSize:  4096,
			PreRollMs:  300,
		},
		VAD: VADConfig{
			Threshold:        0.5,
			FrameSize:        512,
			MaxSilenceFrames: 15,
			EnergyReference:  0.01,
		},
		ASR: ASRConfig{
			Backend:             "dashscope",
			Model:               "fun-asr-realtime",
			Endpoint:            "wss://dashscope.aliyuncs.com/api-ws/v1/inference",
			PollIntervalMs:      200,
			FinalTimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 10,
			Temperature:    0.3,
			MaxRetries:     2,
			MaxTokens:      500,
		},
		History: HistoryConfig{
			Backend:  "sqlite",
			Path:     "data/history.db",
			Capacity: 500,
		},
		Pipeline: PipelineConfig{
			CorrectionEnabled:  true,
			ASRLanguage:        "auto",
			ContextEnabled:     true,
			ContextCount:       3,
			OutputMode:         "inject",
			TypewriterDelayMs:  16,
			IdleTimeoutSeconds: 30,
		},
		Events: EventsConfig{
			SubjectPrefix: "vocistant.events",
			LogHistory:    100,
		},
	}
}

// Load reads path as JSON, or YAML when the extension is .yaml/.yml, on top of
// DefaultConfig and then applies environment overrides. A missing file is not
// an error.
func Load(path string) (*AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := cfg.ApplyEnv(); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overwrites fields that carry an env tag when the variable is set.
func (c *AppConfig) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
			c.LLM.APIKey = key
		}
	}
	return nil
}

func (c *AppConfig) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if c.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if c.Audio.PreRollMs < 0 {
		return errors.New("audio.pre_roll_ms must be non-negative")
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		return errors.New("vad.threshold must be within (0, 1)")
	}
	if c.VAD.FrameSize <= 0 {
		return errors.New("vad.frame_size must be positive")
	}
	if c.VAD.MaxSilenceFrames <= 0 {
		return errors.New("vad.max_silence_frames must be positive")
	}

	switch strings.ToLower(c.ASR.Backend) {
	case "dashscope":
	case "exec":
		if strings.TrimSpace(c.ASR.Command) == "" {
			return errors.New("asr.command is required for the exec backend")
		}
	default:
		return fmt.Errorf("invalid asr.backend: %s", c.ASR.Backend)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "ollama":
	default:
		return fmt.Errorf("invalid llm.provider: %s", c.LLM.Provider)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeout_seconds must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must be non-negative")
	}

	switch strings.ToLower(c.History.Backend) {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.History.DatabaseURL) == "" {
			return errors.New("history.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid history.backend: %s", c.History.Backend)
	}
	if c.History.Capacity <= 0 {
		return errors.New("history.capacity must be positive")
	}

	switch c.Pipeline.OutputMode {
	case "inject", "clipboard", "none":
	default:
		return fmt.Errorf("invalid pipeline.output_mode: %s", c.Pipeline.OutputMode)
	}
	if c.Pipeline.ContextCount < 0 {
		return errors.New("pipeline.context_count must be non-negative")
	}
	if c.Pipeline.TypewriterDelayMs < 0 {
		return errors.New("pipeline.typewriter_delay_ms must be non-negative")
	}

	return nil
}

func (c *AppConfig) ValidateKeys(requireASR, requireLLM bool) error {
	if requireASR && strings.EqualFold(c.ASR.Backend, "dashscope") && strings.TrimSpace(c.ASR.APIKey) == "" {
		return errors.New("asr api_key is required")
	}
	if requireLLM && strings.EqualFold(c.LLM.Provider, "openai") && strings.TrimSpace(c.LLM.APIKey) == "" {
		return errors.New("llm api_key is required")
	}
	return nil
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

func (c ASRConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c ASRConfig) FinalTimeout() time.Duration {
	return time.Duration(c.FinalTimeoutSeconds * float64(time.Second))
}

func (c AudioConfig) PreRoll() time.Duration {
	return time.Duration(c.PreRollMs) * time.Millisecond
}

func (c PipelineConfig) TypewriterDelay() time.Duration {
	return time.Duration(c.TypewriterDelayMs) * time.Millisecond
}

func (c PipelineConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds * float64(time.Second))
}
