// Package pipeline turns a stream of capture chunks into finished text. The
// capture goroutine drives VAD, pre-roll and the streaming transcriber; one
// processing goroutine finalizes, refines and emits segments in order.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuscraft/vocistant/internal/asr"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/history"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/queue"
	"github.com/liuscraft/vocistant/internal/refine"
	"github.com/liuscraft/vocistant/internal/vad"
)

// Refiner is the correction/translation stage.
type Refiner interface {
	Correct(ctx context.Context, text, language string, history []string) refine.Result
	Translate(ctx context.Context, text, targetLanguage string) refine.Result
}

// History stores finished texts and supplies correction context.
type History interface {
	Add(text, original string, duration *float64, language string) (history.Record, bool)
	Recent(k int) []string
}

// Emitter delivers finished text to the user.
type Emitter interface {
	Dispatch(ctx context.Context, mode output.Mode, text string, perCharDelay time.Duration) error
}

type Dependencies struct {
	Detector   *vad.Detector
	Recognizer asr.Recognizer
	// Refiner, History and Output are optional.
	Refiner Refiner
	History History
	Output  Emitter
	Hub     *events.Hub
	Metrics *metrics.Metrics
}

type Options struct {
	PreRoll           time.Duration
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	// Transcriber is the template for each segment's transcriber. Language
	// and OnResult are filled in per segment.
	Transcriber asr.TranscriberOptions
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PreRoll <= 0 {
		o.PreRoll = 300 * time.Millisecond
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

var ErrMissingDependency = errors.New("pipeline dependency missing")

// segment is one utterance: captured audio plus its transcriber.
type segment struct {
	id          uint64
	sm          *StateMachine
	transcriber *asr.StreamingTranscriber
	buf         []byte
}

type Pipeline struct {
	deps    Dependencies
	opts    Options
	metrics *metrics.Metrics
	hub     *events.Hub
	cfg     atomic.Pointer[Config]
	idle    *IdleMonitor

	// capture side
	mu      sync.Mutex
	active  *segment
	preroll *audio.PreRollBuffer

	// processing side
	qmu      sync.Mutex
	jobs     *queue.Queue[*segment]
	inflight *segment
	closed   bool
	started  bool
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func New(deps Dependencies, cfg Config, opts Options) (*Pipeline, error) {
	if deps.Detector == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("voice activity detector is required"))
	}
	if deps.Recognizer == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("recognizer is required"))
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewDiscard()
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(events.HubOptions{Metrics: deps.Metrics})
	}
	opts.applyDefaults()

	p := &Pipeline{
		deps:    deps,
		opts:    opts,
		metrics: deps.Metrics,
		hub:     deps.Hub,
		idle:    NewIdleMonitor(opts.IdleTimeout, opts.Now),
		preroll: audio.NewPreRollBuffer(opts.PreRoll),
		jobs:    queue.New[*segment](),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.cfg.Store(&cfg)
	return p, nil
}

// Start launches the processing and idle supervision goroutines.
func (p *Pipeline) Start(ctx context.Context) error {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if p.closed {
		return errors.New("pipeline closed")
	}
	if p.started {
		return errors.New("pipeline already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	go p.processLoop()
	p.wg.Add(1)
	go p.idleLoop()

	p.idle.MarkActivity()
	logging.Infof("Pipeline started")
	return nil
}

func (p *Pipeline) Config() Config {
	return *p.cfg.Load()
}

// UpdateConfig applies to segments whose processing starts afterwards.
func (p *Pipeline) UpdateConfig(cfg Config) {
	p.cfg.Store(&cfg)
	logging.Infof("Pipeline config updated: correction=%v target=%q asr_language=%s context=%v/%d output=%s",
		cfg.CorrectionEnabled, cfg.TargetLanguage, cfg.ASRLanguage, cfg.ContextEnabled, cfg.ContextCount, cfg.OutputMode)
}

// ProcessChunk runs one capture chunk through VAD and segment accumulation.
// It is called from the capture goroutine and never waits on recognition,
// refinement, output or storage.
func (p *Pipeline) ProcessChunk(chunk []byte) vad.Decision {
	d := p.deps.Detector.Process(chunk)
	p.metrics.ChunksProcessed.Inc()
	if d.IsSpeech {
		p.idle.MarkSpeech()
	}

	var ended *segment
	p.mu.Lock()
	if p.active == nil {
		if d.IsSpeech {
			p.active = p.openSegment(chunk)
		} else {
			p.preroll.Append(chunk)
		}
	} else if d.IsSpeech {
		p.active.buf = append(p.active.buf, chunk...)
		p.active.transcriber.FeedChunk(chunk)
	}

	if d.SpeechEnded {
		if p.active != nil && len(p.active.buf) > 0 {
			ended = p.active
			p.active = nil
		}
		p.preroll.Clear()
		p.deps.Detector.Reset()
	}
	var buffered float64
	if p.active != nil {
		buffered = audio.Seconds(len(p.active.buf))
	}
	p.mu.Unlock()

	p.hub.Publish(events.VADEvent{
		IsSpeech:       d.IsSpeech,
		Confidence:     d.Confidence,
		BufferDuration: buffered,
	})

	if ended != nil {
		p.closeSegment(ended)
	}
	return d
}

// openSegment must be called with p.mu held.
func (p *Pipeline) openSegment(chunk []byte) *segment {
	cfg := p.cfg.Load()
	id := logging.StartSegment()

	topts := p.opts.Transcriber
	topts.Language = cfg.ASRLanguage
	topts.Metrics = p.metrics
	topts.OnResult = func(r asr.Result) {
		p.hub.Publish(events.TranscriptionEvent{
			SegmentID:     id,
			Text:          r.Text,
			IsFinal:       r.IsFinal,
			AudioDuration: r.AudioDuration,
		})
	}

	pre := p.preroll.Take()
	seg := &segment{
		id:          id,
		sm:          NewStateMachine(),
		transcriber: asr.NewStreamingTranscriber(p.deps.Recognizer, topts),
	}
	seg.buf = make([]byte, 0, len(pre)+len(chunk))
	seg.buf = append(seg.buf, pre...)
	seg.buf = append(seg.buf, chunk...)
	seg.sm.Transition(StateSpeaking)
	seg.transcriber.FeedChunk(seg.buf)

	logging.Debugf("Pipeline: segment %d started with %.3fs pre-roll", id, audio.Seconds(len(pre)))
	p.publishStatus(seg, map[string]any{"pre_roll": audio.Seconds(len(pre))})
	return seg
}

func (p *Pipeline) closeSegment(seg *segment) {
	secs := audio.Seconds(len(seg.buf))
	p.metrics.SpeechSegments.Inc()
	p.metrics.SegmentDuration.Observe(secs)
	logging.Debugf("Pipeline: segment %d ended after %.3fs", seg.id, secs)

	p.qmu.Lock()
	if p.closed {
		p.qmu.Unlock()
		logging.Warnf("Pipeline: closed, dropping segment %d", seg.id)
		seg.transcriber.Close()
		return
	}
	p.jobs.Enqueue(seg)
	p.metrics.QueueDepth.Set(float64(p.jobs.Len()))
	p.qmu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) processLoop() {
	defer close(p.done)
	for {
		p.qmu.Lock()
		seg, ok := p.jobs.Dequeue()
		closed := p.closed
		if ok {
			p.inflight = seg
		}
		p.metrics.QueueDepth.Set(float64(p.jobs.Len()))
		p.qmu.Unlock()

		if !ok {
			if closed {
				return
			}
			<-p.wake
			continue
		}

		p.process(seg)

		p.qmu.Lock()
		p.inflight = nil
		p.qmu.Unlock()
	}
}

// process carries one segment from Transcribing back to Idle. Every stage
// moves forward whatever its outcome.
func (p *Pipeline) process(seg *segment) {
	ctx := p.ctx
	cfg := *p.cfg.Load()
	duration := audio.Seconds(len(seg.buf))
	defer p.idle.MarkActivity()
	defer seg.transcriber.Close()

	p.transition(seg, StateTranscribing, map[string]any{"audio_duration": duration})
	text, err := seg.transcriber.Finalize(ctx)
	if err != nil {
		if text == "" {
			logging.Warnf("Pipeline: segment %d transcription failed: %v", seg.id, err)
		} else {
			logging.Warnf("Pipeline: segment %d final pass failed, using last partial: %v", seg.id, err)
		}
	}
	if text == "" {
		p.transition(seg, StateIdle, map[string]any{"reason": "empty_transcript"})
		return
	}

	result := refine.Result{Text: text, OriginalText: text}
	if cfg.CorrectionEnabled && p.deps.Refiner != nil {
		p.transition(seg, StateCorrecting, map[string]any{"text": text})
		var recent []string
		if cfg.ContextEnabled && cfg.ContextCount > 0 && p.deps.History != nil {
			recent = p.deps.History.Recent(cfg.ContextCount)
		}
		result = p.deps.Refiner.Correct(ctx, text, cfg.ASRLanguage, recent)
	}

	if cfg.TargetLanguage != "" && p.deps.Refiner != nil {
		p.transition(seg, StateTranslating, map[string]any{"text": result.Text, "target_language": cfg.TargetLanguage})
		tr := p.deps.Refiner.Translate(ctx, result.Text, cfg.TargetLanguage)
		result.Text = tr.Text
		result.IsTranslated = tr.IsTranslated
		if result.Error == "" {
			result.Error = tr.Error
		}
	}

	p.transition(seg, StateEmitting, map[string]any{"output_mode": string(cfg.OutputMode)})
	p.emit(ctx, seg, cfg, result, duration)
	p.transition(seg, StateIdle, nil)
}

func (p *Pipeline) emit(ctx context.Context, seg *segment, cfg Config, result refine.Result, duration float64) {
	var outputErr string
	if p.deps.Output != nil {
		if err := p.deps.Output.Dispatch(ctx, cfg.OutputMode, result.Text, cfg.TypewriterDelay); err != nil {
			// the text is still reported and stored below
			outputErr = err.Error()
		}
	}

	if p.deps.History != nil {
		original := ""
		if result.OriginalText != result.Text {
			original = result.OriginalText
		}
		language := cfg.ASRLanguage
		if result.IsTranslated {
			language = cfg.TargetLanguage
		}
		d := duration
		p.deps.History.Add(result.Text, original, &d, language)
	}

	p.hub.Publish(events.CorrectionEvent{
		SegmentID:    seg.id,
		Text:         result.Text,
		OriginalText: result.OriginalText,
		IsCorrected:  result.IsCorrected,
		IsTranslated: result.IsTranslated,
		IsFinal:      true,
		Error:        string(result.Error),
		OutputError:  outputErr,
	})
	logging.Infof("Pipeline: segment %d emitted (%d chars, corrected=%v translated=%v)",
		seg.id, len([]rune(result.Text)), result.IsCorrected, result.IsTranslated)
}

func (p *Pipeline) transition(seg *segment, to State, meta map[string]any) {
	if !seg.sm.Transition(to) {
		logging.Warnf("Pipeline: segment %d invalid transition %s -> %s", seg.id, seg.sm.GetCurrentState(), to)
		return
	}
	p.publishStatus(seg, meta)
}

func (p *Pipeline) publishStatus(seg *segment, meta map[string]any) {
	p.hub.Publish(events.StatusEvent{
		Stage:     seg.sm.GetCurrentState().String(),
		SegmentID: seg.id,
		Metadata:  meta,
	})
}

func (p *Pipeline) idleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			elapsed, fire := p.idle.Check(p.isIdle())
			if fire {
				p.metrics.IdleTimeouts.Inc()
				logging.Infof("Pipeline: no speech for %.1fs", elapsed.Seconds())
				p.hub.Publish(events.IdleTimeoutEvent{IdleSeconds: elapsed.Seconds()})
			}
		}
	}
}

func (p *Pipeline) isIdle() bool {
	p.mu.Lock()
	capturing := p.active != nil
	p.mu.Unlock()
	if capturing {
		return false
	}
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return p.inflight == nil && p.jobs.IsEmpty()
}

// State reports the capturing segment's state, else the state of the segment
// being processed, else Idle.
func (p *Pipeline) State() State {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active != nil {
		return active.sm.GetCurrentState()
	}
	p.qmu.Lock()
	inflight := p.inflight
	p.qmu.Unlock()
	if inflight != nil {
		return inflight.sm.GetCurrentState()
	}
	return StateIdle
}

// Reset drops the segment being captured together with pre-roll and VAD
// state. Segments already queued for processing are kept.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	active := p.active
	p.active = nil
	p.preroll.Clear()
	p.deps.Detector.Reset()
	p.mu.Unlock()

	if active != nil {
		active.transcriber.Reset()
		active.sm.Transition(StateIdle)
		p.publishStatus(active, map[string]any{"reason": "reset"})
		logging.Debugf("Pipeline: segment %d discarded", active.id)
	}
}

// Flush ends the segment being captured as if its silence tail had been
// reached. Used when the source runs dry mid-utterance.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	seg := p.active
	p.active = nil
	p.preroll.Clear()
	p.deps.Detector.Reset()
	p.mu.Unlock()

	if seg != nil && len(seg.buf) > 0 {
		p.closeSegment(seg)
	}
}

// Close finishes queued segments, then stops. The segment being captured is
// discarded.
func (p *Pipeline) Close() error {
	p.Reset()

	p.qmu.Lock()
	if p.closed {
		p.qmu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.qmu.Unlock()

	if !started {
		p.qmu.Lock()
		pending := p.jobs.Drain()
		p.qmu.Unlock()
		for _, seg := range pending {
			seg.transcriber.Close()
		}
		return nil
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
	p.cancel()
	p.wg.Wait()
	logging.Infof("Pipeline stopped")
	return nil
}
