// Package events carries pipeline observations to listeners: VAD decisions,
// transcripts, refinement results, stage changes, idle timeouts and log lines.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type 事件类型，同时是线上 JSON 的 "type" 字段
type Type string

const (
	TypeVAD           Type = "vad"
	TypeTranscription Type = "transcription"
	TypeCorrection    Type = "correction"
	TypeStatus        Type = "status"
	TypeIdleTimeout   Type = "idle_timeout"
	TypeLog           Type = "log"
)

type Event interface {
	Type() Type
}

// VADEvent 每个音频块的语音检测结果
type VADEvent struct {
	IsSpeech       bool    `json:"is_speech"`
	Confidence     float32 `json:"confidence"`
	BufferDuration float64 `json:"buffer_duration"`
}

func (VADEvent) Type() Type { return TypeVAD }

// TranscriptionEvent 部分或最终识别结果
type TranscriptionEvent struct {
	SegmentID     uint64  `json:"segment_id,omitempty"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"is_final"`
	AudioDuration float64 `json:"audio_duration"`
}

func (TranscriptionEvent) Type() Type { return TypeTranscription }

// CorrectionEvent 校正/翻译后的最终文本。Error 仅作提示，Text 总是可用
type CorrectionEvent struct {
	SegmentID    uint64 `json:"segment_id,omitempty"`
	Text         string `json:"text"`
	OriginalText string `json:"original_text"`
	IsCorrected  bool   `json:"is_corrected"`
	IsTranslated bool   `json:"is_translated"`
	IsFinal      bool   `json:"is_final"`
	Error        string `json:"error,omitempty"`
	OutputError  string `json:"output_error,omitempty"`
}

func (CorrectionEvent) Type() Type { return TypeCorrection }

// StatusEvent reports a stage change. Metadata keys are flattened next to
// stage when encoded.
type StatusEvent struct {
	Stage     string
	SegmentID uint64
	Metadata  map[string]any
}

func (StatusEvent) Type() Type { return TypeStatus }

func (e StatusEvent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		m[k] = v
	}
	m["stage"] = e.Stage
	if e.SegmentID != 0 {
		m["segment_id"] = e.SegmentID
	}
	return json.Marshal(m)
}

type IdleTimeoutEvent struct {
	IdleSeconds float64 `json:"idle_seconds"`
}

func (IdleTimeoutEvent) Type() Type { return TypeIdleTimeout }

type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller,omitempty"`
}

func (LogEvent) Type() Type { return TypeLog }

// Encode renders e as a JSON object tagged with its type.
func Encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	typ, _ := json.Marshal(e.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}
