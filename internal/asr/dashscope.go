package asr

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/logging"
)

const (
	defaultDashScopeEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	// 100 ms of audio per binary frame.
	dashScopeFrameBytes = audio.BytesPerSecond / 10
)

type DashScopeConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// DashScopeRecognizer runs one duplex recognition task per call over the
// DashScope websocket API. Each call sends the whole buffer and yields
// sentences as the service finalises them.
type DashScopeRecognizer struct {
	cfg DashScopeConfig
}

func NewDashScopeRecognizer(cfg DashScopeConfig) (*DashScopeRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultDashScopeEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "fun-asr-realtime"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &DashScopeRecognizer{cfg: cfg}, nil
}

func (r *DashScopeRecognizer) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	return Collect(r.TranscribeStream(ctx, samples, language))
}

func (r *DashScopeRecognizer) TranscribeStream(ctx context.Context, samples []float32, language string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		task, err := r.start(ctx, language)
		if err != nil {
			yield("", err)
			return
		}
		defer task.close()

		if err := task.sendAudio(ctx, audio.Float32ToPCM(samples)); err != nil {
			yield("", err)
			return
		}
		if err := task.sendFinish(); err != nil {
			yield("", err)
			return
		}

		// Non-final sentences are revisions of the sentence in progress; only
		// the latest one is kept.
		var pending string
		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case s, ok := <-task.sentences:
				if !ok {
					if err := task.failure(); err != nil {
						yield("", err)
						return
					}
					if pending != "" {
						yield(pending, nil)
					}
					return
				}
				if !s.SentenceEnd {
					pending = s.Text
					continue
				}
				pending = ""
				if !yield(s.Text, nil) {
					return
				}
			}
		}
	}
}

type dashScopeTask struct {
	conn      *websocket.Conn
	id        string
	writeMu   sync.Mutex
	startedCh chan struct{}
	sentences chan taskSentence

	errMu sync.Mutex
	err   error

	startedOnce sync.Once
	closeOnce   sync.Once
}

func (r *DashScopeRecognizer) start(ctx context.Context, language string) (*dashScopeTask, error) {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", r.cfg.APIKey))
	conn, _, err := r.cfg.Dialer.DialContext(ctx, r.cfg.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial dashscope: %w", err)
	}

	task := &dashScopeTask{
		conn:      conn,
		id:        newTaskID(),
		startedCh: make(chan struct{}),
		sentences: make(chan taskSentence, 64),
	}

	params := map[string]any{
		"format":      "pcm",
		"sample_rate": audio.SampleRate,
	}
	if lang := NormalizeLanguage(language); lang != "" {
		params["language_hints"] = []string{lang}
	}
	msg := taskMessage{
		Header: taskHeader{Action: "run-task", TaskID: task.id, Streaming: "duplex"},
		Payload: taskPayload{
			TaskGroup:  "audio",
			Task:       "asr",
			Function:   "recognition",
			Model:      r.cfg.Model,
			Parameters: params,
			Input:      map[string]any{},
		},
	}
	if err := task.writeJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send run-task: %w", err)
	}

	go task.receive()

	select {
	case <-task.startedCh:
		return task, nil
	case _, ok := <-task.sentences:
		// The receiver only closes before task-started on failure.
		task.close()
		if err := task.failure(); err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("dashscope closed before task-started")
		}
		return nil, errors.New("dashscope sent results before task-started")
	case <-ctx.Done():
		task.close()
		return nil, ctx.Err()
	}
}

func (t *dashScopeTask) sendAudio(ctx context.Context, pcm []byte) error {
	for off := 0; off < len(pcm); off += dashScopeFrameBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+dashScopeFrameBytes, len(pcm))
		t.writeMu.Lock()
		err := t.conn.WriteMessage(websocket.BinaryMessage, pcm[off:end])
		t.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
	return nil
}

func (t *dashScopeTask) sendFinish() error {
	msg := taskMessage{
		Header:  taskHeader{Action: "finish-task", TaskID: t.id, Streaming: "duplex"},
		Payload: taskPayload{Input: map[string]any{}},
	}
	if err := t.writeJSON(msg); err != nil {
		return fmt.Errorf("send finish-task: %w", err)
	}
	return nil
}

func (t *dashScopeTask) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *dashScopeTask) receive() {
	defer close(t.sentences)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.setErr(fmt.Errorf("read dashscope event: %w", err))
			return
		}
		var event taskMessage
		if err := json.Unmarshal(data, &event); err != nil {
			t.setErr(fmt.Errorf("decode dashscope event: %w", err))
			return
		}
		switch event.Header.Event {
		case "task-started":
			t.startedOnce.Do(func() { close(t.startedCh) })
		case "result-generated":
			out := event.Payload.Output
			if out == nil || out.Sentence == nil || out.Sentence.Heartbeat || out.Sentence.Text == "" {
				continue
			}
			t.sentences <- *out.Sentence
		case "task-finished":
			return
		case "task-failed":
			msg := event.Header.ErrorMessage
			if msg == "" {
				msg = "unknown error"
			}
			t.setErr(fmt.Errorf("dashscope task failed (%s): %s", event.Header.ErrorCode, msg))
			return
		default:
			logging.Debugf("DashScope: ignoring event %q", event.Header.Event)
		}
	}
}

func (t *dashScopeTask) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *dashScopeTask) failure() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *dashScopeTask) close() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
		// Unblock the receiver if it is waiting to hand over a sentence.
		go func() {
			for range t.sentences {
			}
		}()
	})
}

type taskMessage struct {
	Header  taskHeader  `json:"header"`
	Payload taskPayload `json:"payload"`
}

type taskHeader struct {
	Action       string `json:"action,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Streaming    string `json:"streaming,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type taskPayload struct {
	TaskGroup  string         `json:"task_group,omitempty"`
	Task       string         `json:"task,omitempty"`
	Function   string         `json:"function,omitempty"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Input      map[string]any `json:"input"`
	Output     *taskOutput    `json:"output,omitempty"`
}

type taskOutput struct {
	Sentence *taskSentence `json:"sentence,omitempty"`
}

type taskSentence struct {
	BeginTime   int64  `json:"begin_time"`
	EndTime     *int64 `json:"end_time"`
	Text        string `json:"text"`
	Heartbeat   bool   `json:"heartbeat"`
	SentenceEnd bool   `json:"sentence_end"`
}

// DashScope expects 32 hex characters.
func newTaskID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
