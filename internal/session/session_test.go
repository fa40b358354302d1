package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/history"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/pipeline"
	"github.com/liuscraft/vocistant/internal/refine"
	"github.com/liuscraft/vocistant/internal/vad"
)

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

func newDetector() (*vad.Detector, error) {
	return vad.NewDetector(peakScorer{}, vad.DefaultConfig())
}

func utterance(speech, silence int) []byte {
	out := make([]int16, speech+silence)
	for i := 0; i < speech; i++ {
		out[i] = int16(8000 + 4000*math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return audio.Int16ToBytes(out)
}

type stubRecognizer struct{ text string }

func (r stubRecognizer) Transcribe(context.Context, []float32, string) (string, error) {
	return r.text, nil
}

type fakeOutput struct {
	mu       sync.Mutex
	permErr  error
	checked  []output.Mode
	received []string
}

func (o *fakeOutput) CheckPermission(mode output.Mode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checked = append(o.checked, mode)
	return o.permErr
}

func (o *fakeOutput) Dispatch(_ context.Context, _ output.Mode, text string, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, text)
	return nil
}

func (o *fakeOutput) texts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.received...)
}

// blockingSource yields silence until its context ends.
type blockingSource struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{closed: make(chan struct{})}
}

func (s *blockingSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("source closed")
	case <-time.After(10 * time.Millisecond):
		return make([]byte, 320), nil
	}
}

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type replyCompleter struct{ reply string }

func (c replyCompleter) Complete(context.Context, []*schema.Message) (string, error) {
	return c.reply, nil
}

type fixture struct {
	session *Session
	out     *fakeOutput
	hub     *events.Hub
	sub     *events.Subscription
	refiner *refine.Refiner
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, open SourceFactory) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	store, err := history.Open(context.Background(), nil, history.Options{})
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	f := &fixture{
		out:     &fakeOutput{},
		hub:     events.NewHub(events.HubOptions{Metrics: m}),
		refiner: refine.New(nil, refine.DefaultConfig(), m),
		metrics: m,
	}
	f.sub = f.hub.Subscribe(4096, events.TypeStatus, events.TypeCorrection)
	f.session, err = New(Dependencies{
		OpenSource:  open,
		NewDetector: newDetector,
		Recognizer:  stubRecognizer{text: "hello"},
		Refiner:     f.refiner,
		NewCompleter: func(_ context.Context, cfg refine.Config) (refine.Completer, error) {
			if cfg.Model == "" {
				return nil, errors.New("model required")
			}
			return replyCompleter{reply: "<corrected>Hello.</corrected>"}, nil
		},
		History: store,
		Output:  f.out,
		Hub:     f.hub,
		Metrics: m,
	}, pipeline.DefaultConfig(), pipeline.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		f.session.Stop()
		store.Close()
		f.hub.Close()
	})
	return f
}

func (f *fixture) waitFor(t *testing.T, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.sub.C():
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func stage(name string) func(events.Event) bool {
	return func(e events.Event) bool {
		s, ok := e.(events.StatusEvent)
		return ok && s.Stage == name && s.SegmentID == 0
	}
}

func TestSession_StartStop(t *testing.T) {
	src := newBlockingSource()
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) { return src, nil })

	if err := f.session.Start(context.Background(), pipeline.DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFor(t, stage("recording"))
	if !f.session.Running() {
		t.Fatal("Running = false after Start")
	}
	if err := f.session.Start(context.Background(), pipeline.DefaultConfig()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}

	if err := f.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.waitFor(t, stage("stopped"))
	if f.session.Running() {
		t.Fatal("Running = true after Stop")
	}
	select {
	case <-src.closed:
	default:
		t.Fatal("source not closed by Stop")
	}
	if err := f.session.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.SessionsStarted); got != 1 {
		t.Fatalf("SessionsStarted = %v", got)
	}
}

func TestSession_PermissionFailureAbortsStart(t *testing.T) {
	opened := false
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) {
		opened = true
		return newBlockingSource(), nil
	})
	f.out.permErr = output.ErrPermissionDenied

	err := f.session.Start(context.Background(), pipeline.DefaultConfig())
	if !errors.Is(err, ErrInitialization) || !errors.Is(err, output.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want initialization error wrapping permission denial", err)
	}
	if opened || f.session.Running() {
		t.Fatal("a failed start must not open the source")
	}

	// clipboard mode needs no permission
	cfg := pipeline.DefaultConfig()
	cfg.OutputMode = output.ModeClipboard
	if err := f.session.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start(clipboard): %v", err)
	}
}

func TestSession_SourceFailureAbortsStart(t *testing.T) {
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) {
		return nil, errors.New("no input device")
	})
	err := f.session.Start(context.Background(), pipeline.DefaultConfig())
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("Start = %v, want ErrInitialization", err)
	}
	if f.session.Running() {
		t.Fatal("session should stay stopped")
	}
}

func TestSession_TranscribesSourceUntilEOF(t *testing.T) {
	pcm := utterance(audio.SampleRate, audio.SampleRate)
	// the second utterance has no silence tail and is flushed at EOF
	pcm = append(pcm, utterance(audio.SampleRate/2, 0)...)
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) {
		return audio.NewPCMSource(pcm, 1024), nil
	})
	cfg := pipeline.DefaultConfig()
	cfg.CorrectionEnabled = false

	if err := f.session.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.session.Done()
	if err := f.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := f.out.texts(); len(got) != 2 || got[0] != "hello" || got[1] != "hello" {
		t.Fatalf("output = %v, want two results", got)
	}
}

// gatedRecognizer answers "hello" once gate is closed.
type gatedRecognizer struct {
	gate chan struct{}
}

func (r gatedRecognizer) Transcribe(ctx context.Context, _ []float32, _ string) (string, error) {
	select {
	case <-r.gate:
		return "hello", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSession_StopDrainDoesNotBlockAccessors(t *testing.T) {
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) {
		return audio.NewPCMSource(utterance(audio.SampleRate, audio.SampleRate), 1024), nil
	})
	rec := gatedRecognizer{gate: make(chan struct{})}
	f.session.deps.Recognizer = rec
	f.session.opts.Transcriber.FinalTimeout = 10 * time.Second
	cfg := pipeline.DefaultConfig()
	cfg.CorrectionEnabled = false

	if err := f.session.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.session.Done()

	stopped := make(chan error, 1)
	go func() { stopped <- f.session.Stop() }()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v before the queued segment finished", err)
	case <-time.After(100 * time.Millisecond):
	}

	accessed := make(chan bool, 1)
	go func() {
		cfg.TargetLanguage = "ja"
		f.session.UpdateConfig(cfg)
		_ = f.session.State()
		accessed <- f.session.Running()
	}()
	select {
	case running := <-accessed:
		if running {
			t.Fatal("Running = true while stopping")
		}
	case <-time.After(time.Second):
		t.Fatal("accessors blocked behind Stop")
	}

	close(rec.gate)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the segment finished")
	}
	if got := f.out.texts(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("output = %v, want the drained segment", got)
	}
	if f.session.Config().TargetLanguage != "ja" {
		t.Fatal("config update during Stop lost")
	}
}

func TestSession_UpdateConfig(t *testing.T) {
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) { return newBlockingSource(), nil })

	cfg := pipeline.DefaultConfig()
	cfg.TargetLanguage = "ja"
	f.session.UpdateConfig(cfg)
	if f.session.Config().TargetLanguage != "ja" {
		t.Fatal("config not kept while stopped")
	}

	if err := f.session.Start(context.Background(), f.session.Config()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfg.TargetLanguage = "en"
	f.session.UpdateConfig(cfg)
	if f.session.Config().TargetLanguage != "en" {
		t.Fatal("config not applied while running")
	}
	if f.session.State() != pipeline.StateIdle {
		t.Fatalf("State = %s", f.session.State())
	}
}

func TestSession_UpdateLLMConfig(t *testing.T) {
	f := newFixture(t, func(context.Context) (audio.AudioSource, error) { return newBlockingSource(), nil })

	// no backend yet
	if res := f.refiner.Correct(context.Background(), "helo", "en", nil); res.Error != refine.FailureNotConfigured {
		t.Fatalf("Error = %q, want not_configured", res.Error)
	}

	if err := f.session.UpdateLLMConfig(context.Background(), refine.Config{Provider: "ollama"}); err == nil {
		t.Fatal("expected factory error to be returned")
	}

	cfg := refine.DefaultConfig()
	cfg.Model = "qwen2.5"
	if err := f.session.UpdateLLMConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpdateLLMConfig: %v", err)
	}
	if f.refiner.Config().Model != "qwen2.5" {
		t.Fatalf("Model = %q", f.refiner.Config().Model)
	}
	if res := f.refiner.Correct(context.Background(), "helo", "en", nil); res.Text != "Hello." {
		t.Fatalf("Correct = %+v", res)
	}
}

func TestNew_RequiresFactories(t *testing.T) {
	if _, err := New(Dependencies{}, pipeline.DefaultConfig(), pipeline.Options{}); !errors.Is(err, pipeline.ErrMissingDependency) {
		t.Fatalf("New = %v", err)
	}
}
