package pipeline

import (
	"time"

	"github.com/liuscraft/vocistant/internal/config"
	"github.com/liuscraft/vocistant/internal/output"
)

// Config is read once per processing job; UpdateConfig replaces it whole.
type Config struct {
	CorrectionEnabled bool
	TargetLanguage    string
	ASRLanguage       string
	ContextEnabled    bool
	ContextCount      int
	OutputMode        output.Mode
	TypewriterDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CorrectionEnabled: true,
		ASRLanguage:       "auto",
		ContextEnabled:    true,
		ContextCount:      3,
		OutputMode:        output.ModeInject,
		TypewriterDelay:   16 * time.Millisecond,
	}
}

// FromAppConfig maps the pipeline section of the application config.
func FromAppConfig(c config.PipelineConfig) (Config, error) {
	mode, err := output.ParseMode(c.OutputMode)
	if err != nil {
		return Config{}, err
	}
	lang := c.ASRLanguage
	if lang == "" {
		lang = "auto"
	}
	return Config{
		CorrectionEnabled: c.CorrectionEnabled,
		TargetLanguage:    c.TargetLanguage,
		ASRLanguage:       lang,
		ContextEnabled:    c.ContextEnabled,
		ContextCount:      c.ContextCount,
		OutputMode:        mode,
		TypewriterDelay:   c.TypewriterDelay(),
	}, nil
}
