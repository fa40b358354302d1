package asr

import (
	"context"
	"errors"
	"iter"
	"strings"
)

var (
	ErrAPIKeyRequired = errors.New("DASHSCOPE_API_KEY is required")
	// ErrTranscription wraps every recognition failure surfaced by this
	// package.
	ErrTranscription = errors.New("transcription failed")
)

// Recognizer transcribes a complete buffer of 16 kHz mono samples in
// [-1, 1). An empty language lets the engine detect it.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, language string) (string, error)
}

// StreamRecognizer additionally yields incremental text chunks for a single
// buffer. Each call starts a fresh, finite sequence; concatenating the
// chunks gives the full transcript.
type StreamRecognizer interface {
	Recognizer
	TranscribeStream(ctx context.Context, samples []float32, language string) iter.Seq2[string, error]
}

// Result is a transcript for one segment. Partial results replace each
// other; exactly one final result is produced per segment.
type Result struct {
	Text          string  `json:"text"`
	IsFinal       bool    `json:"is_final"`
	AudioDuration float64 `json:"audio_duration"`
}

// Collect drains seq and joins its chunks.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

// NormalizeLanguage maps "auto" and blanks to "" (engine detection).
func NormalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
