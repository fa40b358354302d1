package asr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

type fakeDashScope struct {
	t         *testing.T
	sentences []taskSentence
	failWith  string

	gotAuth   string
	gotParams map[string]any
	gotBytes  int
}

func (f *fakeDashScope) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.gotAuth = r.Header.Get("Authorization")
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	send := func(header taskHeader, out *taskOutput) {
		msg := taskMessage{Header: header, Payload: taskPayload{Output: out}}
		data, _ := json.Marshal(msg)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			f.gotBytes += len(data)
			continue
		}
		var msg taskMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.t.Errorf("decode: %v", err)
			return
		}
		switch msg.Header.Action {
		case "run-task":
			f.gotParams = msg.Payload.Parameters
			if f.failWith != "" {
				send(taskHeader{Event: "task-failed", ErrorCode: "Bad", ErrorMessage: f.failWith}, nil)
				return
			}
			send(taskHeader{Event: "task-started", TaskID: msg.Header.TaskID}, nil)
		case "finish-task":
			for i := range f.sentences {
				send(taskHeader{Event: "result-generated"}, &taskOutput{Sentence: &f.sentences[i]})
			}
			send(taskHeader{Event: "task-finished"}, nil)
			return
		}
	}
}

func newFakeDashScope(t *testing.T, f *fakeDashScope) *DashScopeRecognizer {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	rec, err := NewDashScopeRecognizer(DashScopeConfig{
		APIKey:   "test-key",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("NewDashScopeRecognizer: %v", err)
	}
	return rec
}

func TestDashScope_StreamYieldsFinalSentences(t *testing.T) {
	fake := &fakeDashScope{sentences: []taskSentence{
		{Text: "今天"},
		{Text: "今天天气", SentenceEnd: true},
		{Text: "很好"},
		{Text: "很好。"},
	}}
	rec := newFakeDashScope(t, fake)

	samples := make([]float32, 8000)
	var chunks []string
	for text, err := range rec.TranscribeStream(context.Background(), samples, "zh") {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, text)
	}

	if strings.Join(chunks, "|") != "今天天气|很好。" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
	if fake.gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header %q", fake.gotAuth)
	}
	if fake.gotBytes != 16000 {
		t.Fatalf("expected 16000 audio bytes, got %d", fake.gotBytes)
	}
	hints, _ := fake.gotParams["language_hints"].([]any)
	if len(hints) != 1 || hints[0] != "zh" {
		t.Fatalf("expected language hint zh, got %v", fake.gotParams["language_hints"])
	}
}

func TestDashScope_TranscribeCollects(t *testing.T) {
	fake := &fakeDashScope{sentences: []taskSentence{
		{Text: "hello ", SentenceEnd: true},
		{Text: "world", SentenceEnd: true},
	}}
	rec := newFakeDashScope(t, fake)

	text, err := rec.Transcribe(context.Background(), make([]float32, 100), "auto")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}
	if _, ok := fake.gotParams["language_hints"]; ok {
		t.Fatalf("auto language must not send hints")
	}
}

func TestDashScope_TaskFailed(t *testing.T) {
	fake := &fakeDashScope{failWith: "quota exceeded"}
	rec := newFakeDashScope(t, fake)

	_, err := rec.Transcribe(context.Background(), make([]float32, 100), "")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected task failure, got %v", err)
	}
}

func TestDashScope_RequiresKey(t *testing.T) {
	if _, err := NewDashScopeRecognizer(DashScopeConfig{}); !errors.Is(err, ErrAPIKeyRequired) {
		t.Fatalf("expected ErrAPIKeyRequired, got %v", err)
	}
}
