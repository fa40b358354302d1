package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/liuscraft/vocistant/internal/asr"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/history"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/refine"
	"github.com/liuscraft/vocistant/internal/vad"
)

// peakScorer treats any frame with a loud sample as speech.
type peakScorer struct{}

func (peakScorer) Score(frame []float32, _ int) (float32, error) {
	for _, v := range frame {
		if math.Abs(float64(v)) > 0.1 {
			return 0.9, nil
		}
	}
	return 0.1, nil
}
func (peakScorer) ResetState()  {}
func (peakScorer) Close() error { return nil }

// tone never contains a zero sample, so silence and speech are easy to tell
// apart in what the recognizer receives.
func tone(samples int) []byte {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(8000 + 4000*math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return audio.Int16ToBytes(out)
}

func silence(samples int) []byte {
	return make([]byte, samples*audio.BytesPerSample)
}

// feed splits pcm into chunks of chunkSamples.
func feed(p *Pipeline, pcm []byte, chunkSamples int) {
	step := chunkSamples * audio.BytesPerSample
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		p.ProcessChunk(pcm[off:end])
	}
}

type fakeRecognizer struct {
	mu      sync.Mutex
	text    string
	delay   time.Duration
	samples [][]float32
}

func (r *fakeRecognizer) Transcribe(ctx context.Context, samples []float32, _ string) (string, error) {
	r.mu.Lock()
	r.samples = append(r.samples, append([]float32(nil), samples...))
	text, delay := r.text, r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, nil
}

func (r *fakeRecognizer) calls() [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]float32(nil), r.samples...)
}

var _ asr.Recognizer = (*fakeRecognizer)(nil)

type correctCall struct {
	text     string
	language string
	history  []string
}

type fakeRefiner struct {
	mu         sync.Mutex
	corrects   []correctCall
	translates []string
	correct    func(text string) refine.Result
	translate  func(text, target string) refine.Result
}

func (f *fakeRefiner) Correct(_ context.Context, text, language string, history []string) refine.Result {
	f.mu.Lock()
	f.corrects = append(f.corrects, correctCall{text, language, append([]string(nil), history...)})
	fn := f.correct
	f.mu.Unlock()
	if fn != nil {
		return fn(text)
	}
	return refine.Result{Text: text, OriginalText: text}
}

func (f *fakeRefiner) Translate(_ context.Context, text, target string) refine.Result {
	f.mu.Lock()
	f.translates = append(f.translates, text)
	fn := f.translate
	f.mu.Unlock()
	if fn != nil {
		return fn(text, target)
	}
	return refine.Result{Text: text, OriginalText: text}
}

func (f *fakeRefiner) correctCalls() []correctCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]correctCall(nil), f.corrects...)
}

type emitted struct {
	mode output.Mode
	text string
}

type fakeEmitter struct {
	mu    sync.Mutex
	texts []emitted
	err   error
}

func (e *fakeEmitter) Dispatch(_ context.Context, mode output.Mode, text string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, emitted{mode, text})
	return e.err
}

func (e *fakeEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.texts...)
}

type harness struct {
	p       *Pipeline
	rec     *fakeRecognizer
	refiner *fakeRefiner
	out     *fakeEmitter
	history *history.Store
	hub     *events.Hub
	sub     *events.Subscription
}

func newHarness(t *testing.T, cfg Config, opts Options) *harness {
	t.Helper()
	det, err := vad.NewDetector(peakScorer{}, vad.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	store, err := history.Open(context.Background(), nil, history.Options{Capacity: 10})
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	h := &harness{
		rec:     &fakeRecognizer{text: "hello world"},
		refiner: &fakeRefiner{},
		out:     &fakeEmitter{},
		history: store,
		hub:     events.NewHub(events.HubOptions{}),
	}
	h.sub = h.hub.Subscribe(8192, events.TypeStatus, events.TypeTranscription, events.TypeCorrection, events.TypeIdleTimeout)

	if opts.Transcriber.JoinTimeout == 0 {
		opts.Transcriber.JoinTimeout = time.Second
	}
	if opts.Transcriber.FinalTimeout == 0 {
		opts.Transcriber.FinalTimeout = 5 * time.Second
	}
	h.p, err = New(Dependencies{
		Detector:   det,
		Recognizer: h.rec,
		Refiner:    h.refiner,
		History:    store,
		Output:     h.out,
		Hub:        h.hub,
	}, cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		h.p.Close()
		h.history.Close()
		h.hub.Close()
	})
	return h
}

// next waits for the first event matching match, returning every event seen
// on the way.
func (h *harness) next(t *testing.T, match func(events.Event) bool) (events.Event, []events.Event) {
	t.Helper()
	var seen []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-h.sub.C():
			if !ok {
				t.Fatal("event stream closed")
			}
			seen = append(seen, e)
			if match(e) {
				return e, seen
			}
		case <-timeout:
			t.Fatalf("timed out; saw %d events: %+v", len(seen), seen)
		}
	}
}

func isCorrection(e events.Event) bool {
	_, ok := e.(events.CorrectionEvent)
	return ok
}

func isStage(stage string) func(events.Event) bool {
	return func(e events.Event) bool {
		s, ok := e.(events.StatusEvent)
		return ok && s.Stage == stage
	}
}

func stages(seen []events.Event) []string {
	var out []string
	for _, e := range seen {
		if s, ok := e.(events.StatusEvent); ok {
			out = append(out, s.Stage)
		}
	}
	return out
}
