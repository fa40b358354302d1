package asr

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// mockRecognizer answers with the number of samples it was given, so a
// result reveals exactly which buffer produced it.
type mockRecognizer struct {
	mu      sync.Mutex
	calls   int
	lengths []int
	langs   []string
	// text overrides the sample-count answer when set.
	text func(samples int) string
	// gate blocks every call until it is closed (or ctx ends, unless
	// ignoreCtx is set).
	gate      chan struct{}
	ignoreCtx bool
	err       error
}

func (m *mockRecognizer) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lengths = append(m.lengths, len(samples))
	m.langs = append(m.langs, language)
	gate, err, textFn := m.gate, m.err, m.text
	m.mu.Unlock()

	if gate != nil {
		if m.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if err != nil {
		return "", err
	}
	if textFn != nil {
		return textFn(len(samples)), nil
	}
	return fmt.Sprintf("samples=%d", len(samples)), nil
}

func (m *mockRecognizer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockStreamRecognizer splits the mock answer into two chunks.
type mockStreamRecognizer struct {
	mockRecognizer
}

func (m *mockStreamRecognizer) TranscribeStream(ctx context.Context, samples []float32, language string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, err := m.Transcribe(ctx, samples, language)
		if err != nil {
			yield("", err)
			return
		}
		half := len(text) / 2
		if !yield(text[:half], nil) {
			return
		}
		yield(text[half:], nil)
	}
}

type resultRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultRecorder) record(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *resultRecorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}
