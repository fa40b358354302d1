// Package session owns one pipeline and one audio source between a start and
// a stop request.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/liuscraft/vocistant/internal/asr"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/pipeline"
	"github.com/liuscraft/vocistant/internal/refine"
	"github.com/liuscraft/vocistant/internal/vad"
)

var (
	// ErrInitialization aborts Start. The cause is wrapped alongside it.
	ErrInitialization = errors.New("session initialization failed")
	ErrRunning        = errors.New("session already running")
)

// Output is the emitter plus the permission probe done before capture.
type Output interface {
	pipeline.Emitter
	CheckPermission(mode output.Mode) error
}

// SourceFactory opens the capture device for one run.
type SourceFactory func(ctx context.Context) (audio.AudioSource, error)

// DetectorFactory builds a detector with fresh scorer state for one run.
type DetectorFactory func() (*vad.Detector, error)

// CompleterFactory builds a language model backend for new LLM settings.
type CompleterFactory func(ctx context.Context, cfg refine.Config) (refine.Completer, error)

type Dependencies struct {
	OpenSource   SourceFactory
	NewDetector  DetectorFactory
	Recognizer   asr.Recognizer
	Refiner      *refine.Refiner
	NewCompleter CompleterFactory
	History      pipeline.History
	Output       Output
	Hub          *events.Hub
	Metrics      *metrics.Metrics
}

type Session struct {
	deps Dependencies
	opts pipeline.Options

	// lifeMu serializes Start and Stop. mu guards the fields below and is
	// never held while a run drains.
	lifeMu  sync.Mutex
	mu      sync.Mutex
	cfg     pipeline.Config
	running bool
	pipe    *pipeline.Pipeline
	src     audio.AudioSource
	det     *vad.Detector
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(deps Dependencies, cfg pipeline.Config, opts pipeline.Options) (*Session, error) {
	if deps.OpenSource == nil || deps.NewDetector == nil || deps.Recognizer == nil {
		return nil, fmt.Errorf("%w: source, detector and recognizer are required", pipeline.ErrMissingDependency)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewDiscard()
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(events.HubOptions{Metrics: deps.Metrics})
	}
	return &Session{deps: deps, opts: opts, cfg: cfg}, nil
}

// Start begins capturing with cfg. Permission and device failures are
// returned wrapped in ErrInitialization and leave the session stopped.
func (s *Session) Start(ctx context.Context, cfg pipeline.Config) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	if cfg.OutputMode == output.ModeInject && s.deps.Output != nil {
		if err := s.deps.Output.CheckPermission(cfg.OutputMode); err != nil {
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
	}

	det, err := s.deps.NewDetector()
	if err != nil {
		return fmt.Errorf("%w: voice activity detector: %w", ErrInitialization, err)
	}

	deps := pipeline.Dependencies{
		Detector:   det,
		Recognizer: s.deps.Recognizer,
		History:    s.deps.History,
		Hub:        s.deps.Hub,
		Metrics:    s.deps.Metrics,
	}
	// typed nils would defeat the pipeline's optional checks
	if s.deps.Refiner != nil {
		deps.Refiner = s.deps.Refiner
	}
	if s.deps.Output != nil {
		deps.Output = s.deps.Output
	}
	pipe, err := pipeline.New(deps, cfg, s.opts)
	if err != nil {
		det.Close()
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	src, err := s.deps.OpenSource(runCtx)
	if err != nil {
		cancel()
		det.Close()
		return fmt.Errorf("%w: audio source: %w", ErrInitialization, err)
	}
	// queued segments must survive the capture cancel in Stop
	if err := pipe.Start(ctx); err != nil {
		cancel()
		src.Close()
		det.Close()
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	s.cfg = cfg
	s.pipe = pipe
	s.src = src
	s.det = det
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.capture(runCtx, pipe, src, s.done)

	s.deps.Metrics.SessionsStarted.Inc()
	s.deps.Hub.Publish(events.StatusEvent{Stage: "recording"})
	logging.Infof("Session: recording (output=%s, asr_language=%s)", cfg.OutputMode, cfg.ASRLanguage)
	return nil
}

func (s *Session) capture(ctx context.Context, pipe *pipeline.Pipeline, src audio.AudioSource, done chan struct{}) {
	defer close(done)
	for {
		chunk, err := src.Read(ctx)
		if len(chunk) > 0 {
			pipe.ProcessChunk(chunk)
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			logging.Infof("Session: audio source ended")
			pipe.Flush()
		case ctx.Err() != nil:
		default:
			logging.Errorf("Session: audio source failed: %v", err)
		}
		return
	}
}

// Done is closed when capture of the current run has ended, either by Stop
// or because the source ran dry. Nil before the first Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop ends capture, finishes segments already queued and releases the
// source. Running reports false as soon as Stop begins; State keeps
// reporting the draining pipeline. Stopping a stopped session is a no-op.
func (s *Session) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	pipe, src, det, cancel, done := s.pipe, s.src, s.det, s.cancel, s.done
	s.mu.Unlock()

	cancel()
	srcErr := src.Close()
	<-done

	if err := pipe.Close(); err != nil {
		logging.Warnf("Session: pipeline close: %v", err)
	}
	det.Close()

	s.mu.Lock()
	s.pipe, s.src, s.det, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()

	s.deps.Hub.Publish(events.StatusEvent{Stage: "stopped"})
	logging.Infof("Session: stopped")
	if srcErr != nil {
		return fmt.Errorf("close audio source: %w", srcErr)
	}
	return nil
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) Config() pipeline.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig takes effect for the next segment processed. It is kept for
// the next Start when the session is stopped.
func (s *Session) UpdateConfig(cfg pipeline.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.pipe != nil {
		s.pipe.UpdateConfig(cfg)
	}
}

// LLMConfig is the refiner's current configuration.
func (s *Session) LLMConfig() refine.Config {
	if s.deps.Refiner == nil {
		return refine.Config{}
	}
	return s.deps.Refiner.Config()
}

// UpdateLLMConfig swaps the refiner's backend. Calls already in flight
// finish on the old one.
func (s *Session) UpdateLLMConfig(ctx context.Context, cfg refine.Config) error {
	if s.deps.Refiner == nil || s.deps.NewCompleter == nil {
		return errors.New("refinement is not configured")
	}
	completer, err := s.deps.NewCompleter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build llm backend: %w", err)
	}
	s.deps.Refiner.Reconfigure(completer, cfg)
	logging.Infof("Session: llm config updated (provider=%s, model=%s)", cfg.Provider, cfg.Model)
	return nil
}

// State is the pipeline state of the current run, Idle when stopped.
func (s *Session) State() pipeline.State {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return pipeline.StateIdle
	}
	return pipe.State()
}
