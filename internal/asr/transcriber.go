package asr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
)

type TranscriberOptions struct {
	// Language passed to the recognizer; "auto" or empty detects.
	Language string
	// PollInterval bounds how long fed audio waits before a pass when no
	// signal arrives.
	PollInterval time.Duration
	// JoinTimeout bounds how long Finalize and Reset wait for the worker.
	JoinTimeout time.Duration
	// FinalTimeout bounds the final recognition pass, including the wait
	// for an in-flight partial pass to release the recognizer.
	FinalTimeout time.Duration
	// DisableStreaming forces the single-pass mode even for a
	// StreamRecognizer.
	DisableStreaming bool
	// OnResult receives results in order: zero or more distinct partials
	// followed by at most one final. It must not block for long.
	OnResult func(Result)
	Metrics  *metrics.Metrics
}

func (o *TranscriberOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 2 * time.Second
	}
	if o.FinalTimeout <= 0 {
		o.FinalTimeout = 30 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewDiscard()
	}
}

// StreamingTranscriber produces partial transcripts of a single utterance
// while audio is still being fed, and one authoritative final transcript on
// Finalize. Every pass re-recognizes the full accumulated buffer.
//
// Two locks are involved: bufMu guards the audio buffer and is only held for
// copies, and recLock (a one-slot semaphore, so waits can time out) keeps at
// most one recognition call in flight. FeedChunk never waits on recLock.
type StreamingTranscriber struct {
	rec       Recognizer
	streaming bool
	opts      TranscriberOptions
	language  string

	bufMu sync.Mutex
	buf   []byte

	recLock chan struct{}

	// generation invalidates results of passes started before a Reset.
	generation atomic.Uint64
	partial    atomic.Pointer[string]

	emitMu      sync.Mutex
	stopped     bool
	lastEmitted string

	workerMu sync.Mutex
	sealed   bool
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	finalMu   sync.Mutex
	finalized bool
	final     string
	finalErr  error

	// finalCancel aborts a final pass in flight. Reset uses it so it never
	// waits out FinalTimeout behind finalMu.
	cancelMu    sync.Mutex
	finalCancel context.CancelFunc
}

func NewStreamingTranscriber(rec Recognizer, opts TranscriberOptions) *StreamingTranscriber {
	opts.applyDefaults()
	_, streaming := rec.(StreamRecognizer)
	t := &StreamingTranscriber{
		rec:       rec,
		streaming: streaming && !opts.DisableStreaming,
		opts:      opts,
		language:  NormalizeLanguage(opts.Language),
		recLock:   make(chan struct{}, 1),
	}
	empty := ""
	t.partial.Store(&empty)
	return t
}

// Streaming reports whether partial results are produced.
func (t *StreamingTranscriber) Streaming() bool {
	return t.streaming
}

// FeedChunk appends capture-format PCM and nudges the worker. It never
// blocks on recognition. Chunks fed after Finalize are dropped.
func (t *StreamingTranscriber) FeedChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	t.workerMu.Lock()
	sealed := t.sealed
	t.workerMu.Unlock()
	if sealed {
		logging.Debugf("StreamingTranscriber: dropping %d bytes fed after finalize", len(chunk))
		return
	}

	t.bufMu.Lock()
	t.buf = append(t.buf, chunk...)
	t.bufMu.Unlock()

	if !t.streaming {
		return
	}
	if wake := t.ensureWorker(); wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Partial returns the most recently emitted partial without locking.
func (t *StreamingTranscriber) Partial() string {
	return *t.partial.Load()
}

// BufferedDuration is the audio length fed since the last Reset.
func (t *StreamingTranscriber) BufferedDuration() float64 {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	return audio.Seconds(len(t.buf))
}

// Finalize stops the worker and runs one last pass over the complete buffer.
// The result replaces any partial. Later calls return the cached result.
// If the recognizer cannot be acquired or fails, the last partial is
// returned together with an error wrapping ErrTranscription.
func (t *StreamingTranscriber) Finalize(ctx context.Context) (string, error) {
	t.finalMu.Lock()
	defer t.finalMu.Unlock()
	if t.finalized {
		return t.final, t.finalErr
	}

	gen := t.generation.Load()
	t.stopWorker(true)

	t.emitMu.Lock()
	t.stopped = true
	t.emitMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.FinalTimeout)
	defer cancel()
	t.cancelMu.Lock()
	t.finalCancel = cancel
	if gen != t.generation.Load() {
		cancel()
	}
	t.cancelMu.Unlock()

	pcm := t.snapshot()
	text, err := t.finalPass(ctx, pcm)
	text = strings.TrimSpace(text)

	t.cancelMu.Lock()
	t.finalCancel = nil
	t.cancelMu.Unlock()

	t.finalized = true
	t.final = text
	t.finalErr = err
	t.partial.Store(&text)

	t.emitMu.Lock()
	// an empty final still has to supersede a partial already delivered
	if gen == t.generation.Load() && (text != "" || t.lastEmitted != "") {
		t.deliver(Result{Text: text, IsFinal: true, AudioDuration: audio.Seconds(len(pcm))})
	}
	t.emitMu.Unlock()
	return text, err
}

// finalPass runs under ctx, already bounded by FinalTimeout.
func (t *StreamingTranscriber) finalPass(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return t.Partial(), nil
	}

	if !t.acquire(ctx) {
		t.opts.Metrics.RecognitionPasses.WithLabelValues("final", "busy").Inc()
		logging.Warnf("StreamingTranscriber: recognizer busy, falling back to last partial")
		return t.Partial(), fmt.Errorf("%w: recognizer busy: %w", ErrTranscription, ctx.Err())
	}
	defer t.release()

	text, err := t.recognize(ctx, pcm, "final")
	if err != nil {
		return t.Partial(), err
	}
	return text, nil
}

// Reset stops the worker, drops all buffered audio and results, and makes
// the transcriber ready for a new utterance. Results of a recognition call
// still in flight are discarded, and a final pass in flight is cancelled.
func (t *StreamingTranscriber) Reset() {
	t.generation.Add(1)
	t.cancelMu.Lock()
	if t.finalCancel != nil {
		t.finalCancel()
	}
	t.cancelMu.Unlock()

	t.finalMu.Lock()
	defer t.finalMu.Unlock()

	// again, for passes started while waiting for finalMu
	t.generation.Add(1)
	t.stopWorker(false)

	t.bufMu.Lock()
	t.buf = nil
	t.bufMu.Unlock()

	t.emitMu.Lock()
	t.stopped = false
	t.lastEmitted = ""
	t.emitMu.Unlock()

	empty := ""
	t.partial.Store(&empty)
	t.finalized = false
	t.final = ""
	t.finalErr = nil
}

// Close stops the worker and drops buffered audio.
func (t *StreamingTranscriber) Close() error {
	t.Reset()
	return nil
}

func (t *StreamingTranscriber) ensureWorker() chan struct{} {
	t.workerMu.Lock()
	defer t.workerMu.Unlock()
	if t.sealed {
		return nil
	}
	if t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wake = make(chan struct{}, 1)
		t.done = make(chan struct{})
		go t.run(ctx, t.wake, t.done)
	}
	return t.wake
}

// stopWorker cancels the worker and waits up to JoinTimeout for it to exit.
// seal prevents FeedChunk from starting a new one.
func (t *StreamingTranscriber) stopWorker(seal bool) {
	t.workerMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done, t.wake = nil, nil, nil
	t.sealed = seal
	t.workerMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(t.opts.JoinTimeout):
		logging.Warnf("StreamingTranscriber: worker did not stop within %v", t.opts.JoinTimeout)
	}
}

func (t *StreamingTranscriber) run(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	lastLen := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}

		gen := t.generation.Load()
		pcm := t.snapshot()
		if len(pcm) == 0 || len(pcm) == lastLen {
			continue
		}
		if !t.acquire(ctx) {
			return
		}
		text, err := t.recognize(ctx, pcm, "partial")
		t.release()
		if ctx.Err() != nil {
			return
		}
		lastLen = len(pcm)
		if err != nil {
			logging.Warnf("StreamingTranscriber: partial pass failed: %v", err)
			continue
		}
		t.emitPartial(strings.TrimSpace(text), gen, len(pcm))
	}
}

func (t *StreamingTranscriber) emitPartial(text string, gen uint64, n int) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.stopped || gen != t.generation.Load() || text == "" || text == t.lastEmitted {
		return
	}
	t.lastEmitted = text
	t.partial.Store(&text)
	t.opts.Metrics.PartialsEmitted.Inc()
	t.deliver(Result{Text: text, AudioDuration: audio.Seconds(n)})
}

// deliver must be called with emitMu held.
func (t *StreamingTranscriber) deliver(r Result) {
	if t.opts.OnResult != nil {
		t.opts.OnResult(r)
	}
}

func (t *StreamingTranscriber) recognize(ctx context.Context, pcm []byte, kind string) (string, error) {
	samples := audio.PCMToFloat32(pcm)
	start := time.Now()

	var text string
	var err error
	if sr, ok := t.rec.(StreamRecognizer); ok && t.streaming {
		text, err = Collect(sr.TranscribeStream(ctx, samples, t.language))
	} else {
		text, err = t.rec.Transcribe(ctx, samples, t.language)
	}

	t.opts.Metrics.RecognitionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		t.opts.Metrics.RecognitionPasses.WithLabelValues(kind, outcome).Inc()
		return "", fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	t.opts.Metrics.RecognitionPasses.WithLabelValues(kind, "ok").Inc()
	return text, nil
}

func (t *StreamingTranscriber) snapshot() []byte {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}

func (t *StreamingTranscriber) acquire(ctx context.Context) bool {
	select {
	case t.recLock <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *StreamingTranscriber) release() {
	<-t.recLock
}
