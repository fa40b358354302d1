package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/refine"
)

func TestPipeline_SpeechToEmit(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, Options{})
	h.refiner.correct = func(text string) refine.Result {
		return refine.Result{Text: "Hello, world.", OriginalText: text, IsCorrected: true}
	}

	feed(h.p, append(tone(3*audio.SampleRate), silence(audio.SampleRate)...), 1024)

	e, seen := h.next(t, isCorrection)
	c := e.(events.CorrectionEvent)
	if c.Text != "Hello, world." || c.OriginalText != "hello world" || !c.IsCorrected || !c.IsFinal {
		t.Fatalf("unexpected correction event %+v", c)
	}
	if c.Error != "" || c.OutputError != "" {
		t.Fatalf("unexpected errors %+v", c)
	}
	h.next(t, isStage("idle"))

	want := []string{"speaking", "transcribing", "correcting", "emitting"}
	if got := stages(seen); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}

	// the final pass saw the full segment: 3s of speech plus at most the
	// chunk that carried the boundary
	calls := h.rec.calls()
	if len(calls) != 1 {
		t.Fatalf("recognizer called %d times, want 1", len(calls))
	}
	if n := len(calls[0]); n < 3*audio.SampleRate || n > 3*audio.SampleRate+1024 {
		t.Fatalf("final pass got %d samples, want about %d", n, 3*audio.SampleRate)
	}

	if got := h.out.all(); len(got) != 1 || got[0] != (emitted{output.ModeInject, "Hello, world."}) {
		t.Fatalf("emitted = %+v", got)
	}
	if got := h.history.Recent(1); len(got) != 1 || got[0] != "Hello, world." {
		t.Fatalf("history = %v", got)
	}
	rec := h.history.RecentRecords(1)[0]
	if rec.Original != "hello world" || rec.Duration == nil || *rec.Duration < 3 {
		t.Fatalf("history record = %+v", rec)
	}
	if h.p.State() != StateIdle {
		t.Fatalf("State = %s", h.p.State())
	}
}

func TestPipeline_FinalTranscriptEventCarriesSegment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})
	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)

	e, _ := h.next(t, func(e events.Event) bool {
		tr, ok := e.(events.TranscriptionEvent)
		return ok && tr.IsFinal
	})
	tr := e.(events.TranscriptionEvent)
	if tr.Text != "hello world" || tr.SegmentID == 0 || tr.AudioDuration < 1 {
		t.Fatalf("final transcription event %+v", tr)
	}
	c, _ := h.next(t, isCorrection)
	if c.(events.CorrectionEvent).SegmentID != tr.SegmentID {
		t.Fatal("correction and transcription should share the segment id")
	}
}

func TestPipeline_PreRollSeedsSegment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{PreRoll: 300 * time.Millisecond})

	// 0.5s of silence, of which only the last 300ms may reach the recognizer
	pcm := silence(audio.SampleRate / 2)
	pcm = append(pcm, tone(audio.SampleRate)...)
	pcm = append(pcm, silence(audio.SampleRate)...)
	feed(h.p, pcm, 800)
	h.next(t, isCorrection)

	calls := h.rec.calls()
	if len(calls) != 1 {
		t.Fatalf("recognizer called %d times", len(calls))
	}
	samples := calls[0]
	leading := 0
	for leading < len(samples) && samples[leading] == 0 {
		leading++
	}
	if leading != 4800 {
		t.Fatalf("segment starts with %d silent samples, want exactly the 4800 of pre-roll", leading)
	}
	if len(samples) < 4800+audio.SampleRate {
		t.Fatalf("segment has %d samples, speech missing", len(samples))
	}
}

func TestPipeline_FailingCorrectionStillEmits(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})
	h.refiner.correct = func(text string) refine.Result {
		return refine.Result{Text: text, OriginalText: text, Error: refine.FailureTimeout}
	}

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	e, seen := h.next(t, isCorrection)
	c := e.(events.CorrectionEvent)
	if c.IsCorrected || c.Text != "hello world" || c.Error != string(refine.FailureTimeout) {
		t.Fatalf("unexpected correction event %+v", c)
	}
	if got := stages(seen); got[len(got)-1] != "emitting" {
		t.Fatalf("pipeline should reach emitting, stages = %v", got)
	}
	if got := h.out.all(); len(got) != 1 || got[0].text != "hello world" {
		t.Fatalf("emitted = %+v", got)
	}
}

func TestPipeline_CorrectionDisabledSkipsRefiner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CorrectionEnabled = false
	h := newHarness(t, cfg, Options{})

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	_, seen := h.next(t, isCorrection)

	if got := stages(seen); !reflect.DeepEqual(got, []string{"speaking", "transcribing", "emitting"}) {
		t.Fatalf("stages = %v", got)
	}
	if n := len(h.refiner.correctCalls()); n != 0 {
		t.Fatalf("refiner called %d times", n)
	}
}

func TestPipeline_TranslatesCorrectedText(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetLanguage = "en"
	cfg.ASRLanguage = "zh"
	h := newHarness(t, cfg, Options{})
	h.rec.text = "你好世界"
	h.refiner.correct = func(text string) refine.Result {
		return refine.Result{Text: "你好，世界。", OriginalText: text, IsCorrected: true}
	}
	h.refiner.translate = func(text, target string) refine.Result {
		return refine.Result{Text: "Hello, world.", OriginalText: text, IsTranslated: true}
	}

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	e, seen := h.next(t, isCorrection)
	c := e.(events.CorrectionEvent)
	if c.Text != "Hello, world." || c.OriginalText != "你好世界" || !c.IsCorrected || !c.IsTranslated {
		t.Fatalf("unexpected correction event %+v", c)
	}
	if got := stages(seen); !reflect.DeepEqual(got, []string{"speaking", "transcribing", "correcting", "translating", "emitting"}) {
		t.Fatalf("stages = %v", got)
	}
	h.refiner.mu.Lock()
	translated := h.refiner.translates
	h.refiner.mu.Unlock()
	if len(translated) != 1 || translated[0] != "你好，世界。" {
		t.Fatalf("translate input = %v, want the corrected text", translated)
	}

	h.next(t, isStage("idle"))
	if rec := h.history.RecentRecords(1)[0]; rec.Language != "en" || rec.Original != "你好世界" {
		t.Fatalf("history record = %+v", rec)
	}
}

func TestPipeline_CorrectionContextFromHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContextCount = 2
	h := newHarness(t, cfg, Options{})
	h.history.Add("first", "", nil, "auto")
	h.history.Add("second", "", nil, "auto")
	h.history.Add("third", "", nil, "auto")

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	h.next(t, isCorrection)

	calls := h.refiner.correctCalls()
	if len(calls) != 1 {
		t.Fatalf("Correct called %d times", len(calls))
	}
	if !reflect.DeepEqual(calls[0].history, []string{"third", "second"}) {
		t.Fatalf("context = %v, want most recent first", calls[0].history)
	}
	if calls[0].language != "auto" {
		t.Fatalf("language = %q", calls[0].language)
	}
}

func TestPipeline_ContextDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContextEnabled = false
	h := newHarness(t, cfg, Options{})
	h.history.Add("earlier", "", nil, "auto")

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	h.next(t, isCorrection)

	if calls := h.refiner.correctCalls(); len(calls[0].history) != 0 {
		t.Fatalf("context = %v, want none", calls[0].history)
	}
}

func TestPipeline_EmptyTranscriptReturnsToIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})
	h.rec.text = "   "

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	e, seen := h.next(t, isStage("idle"))
	if e.(events.StatusEvent).Metadata["reason"] != "empty_transcript" {
		t.Fatalf("idle status %+v", e)
	}
	for _, ev := range seen {
		if isCorrection(ev) {
			t.Fatal("no result expected for an empty transcript")
		}
	}
	if len(h.out.all()) != 0 || h.history.Len() != 0 {
		t.Fatal("nothing should be emitted or stored")
	}
}

func TestPipeline_OutputFailureStillReported(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})
	h.out.err = fmt.Errorf("%w: inject: %w", output.ErrInjection, errors.New("wtype exited 1"))

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	e, _ := h.next(t, isCorrection)
	c := e.(events.CorrectionEvent)
	if c.Text != "hello world" || c.OutputError == "" {
		t.Fatalf("unexpected correction event %+v", c)
	}
	h.next(t, isStage("idle"))
	if h.history.Len() != 1 {
		t.Fatal("text should be stored even when output fails")
	}
}

func TestPipeline_SegmentsProcessedInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})
	h.rec.delay = 50 * time.Millisecond

	utterance := append(tone(audio.SampleRate/2), silence(audio.SampleRate)...)
	feed(h.p, utterance, 1024)
	feed(h.p, utterance, 1024)
	feed(h.p, utterance, 1024)

	var ids []uint64
	for range 3 {
		e, _ := h.next(t, isCorrection)
		ids = append(ids, e.(events.CorrectionEvent).SegmentID)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Fatalf("segments out of order: %v", ids)
	}
}

func TestPipeline_ResetDiscardsActiveSegment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})

	feed(h.p, tone(audio.SampleRate/2), 1024)
	if h.p.State() != StateSpeaking {
		t.Fatalf("State = %s, want speaking", h.p.State())
	}
	h.p.Reset()
	if h.p.State() != StateIdle {
		t.Fatalf("State after Reset = %s", h.p.State())
	}
	feed(h.p, silence(audio.SampleRate), 1024)

	e, _ := h.next(t, isStage("idle"))
	if e.(events.StatusEvent).Metadata["reason"] != "reset" {
		t.Fatalf("status %+v", e)
	}
	time.Sleep(100 * time.Millisecond)
	if len(h.rec.calls()) != 0 || len(h.out.all()) != 0 {
		t.Fatal("a discarded segment must not be transcribed or emitted")
	}
}

func TestPipeline_FlushEndsOpenSegment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})

	feed(h.p, tone(audio.SampleRate), 1024)
	h.p.Flush()

	e, _ := h.next(t, isCorrection)
	if e.(events.CorrectionEvent).Text != "hello world" {
		t.Fatalf("unexpected correction event %+v", e)
	}
	if n := len(h.rec.calls()[0]); n != audio.SampleRate {
		t.Fatalf("flushed segment has %d samples, want %d", n, audio.SampleRate)
	}

	// nothing open: a second flush is a no-op
	h.p.Flush()
	time.Sleep(50 * time.Millisecond)
	if len(h.rec.calls()) != 1 {
		t.Fatal("flush without an open segment must not enqueue work")
	}
}

func TestPipeline_UpdateConfigAppliesToNextSegment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})

	cfg := h.p.Config()
	cfg.OutputMode = output.ModeClipboard
	h.p.UpdateConfig(cfg)

	feed(h.p, append(tone(audio.SampleRate), silence(audio.SampleRate)...), 1024)
	h.next(t, isCorrection)
	if got := h.out.all(); len(got) != 1 || got[0].mode != output.ModeClipboard {
		t.Fatalf("emitted = %+v", got)
	}
}

func TestPipeline_CloseDrainsQueuedSegments(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{})
	h.rec.delay = 30 * time.Millisecond

	utterance := append(tone(audio.SampleRate/2), silence(audio.SampleRate)...)
	feed(h.p, utterance, 1024)
	feed(h.p, utterance, 1024)
	if err := h.p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := h.out.all(); len(got) != 2 {
		t.Fatalf("emitted %d texts, want 2", len(got))
	}
	if err := h.p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPipeline_IdleTimeoutFiresOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Options{
		IdleTimeout:       50 * time.Millisecond,
		IdleCheckInterval: 5 * time.Millisecond,
	})

	e, _ := h.next(t, func(e events.Event) bool { return e.Type() == events.TypeIdleTimeout })
	if e.(events.IdleTimeoutEvent).IdleSeconds < 0.05 {
		t.Fatalf("fired early: %+v", e)
	}

	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case e := <-h.sub.C():
			if e.Type() == events.TypeIdleTimeout {
				t.Fatal("idle timeout fired twice without speech")
			}
			continue
		default:
		}
		break
	}
}

func TestNew_RequiresDetectorAndRecognizer(t *testing.T) {
	if _, err := New(Dependencies{}, DefaultConfig(), Options{}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("New = %v, want ErrMissingDependency", err)
	}
}
