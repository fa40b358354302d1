package refine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/pkg/markdown"
)

// Failure tags why a refinement fell back to its input.
type Failure string

const (
	FailureTimeout          Failure = "timeout"
	FailureBackend          Failure = "backend_error"
	FailureEmptyResponse    Failure = "empty_response"
	FailureMissingDelimiter Failure = "missing_delimiter"
	FailureNotConfigured    Failure = "not_configured"
	// FailureCancelled means the caller gave up, e.g. the session stopped.
	FailureCancelled        Failure = "cancelled"
)

// Result of a correction or translation. Text is always usable; Error is
// advisory.
type Result struct {
	Text         string  `json:"text"`
	OriginalText string  `json:"original_text"`
	IsCorrected  bool    `json:"is_corrected"`
	IsTranslated bool    `json:"is_translated"`
	Error        Failure `json:"error,omitempty"`
}

type state struct {
	cfg       Config
	completer Completer
}

// Refiner runs correction and translation requests against a Completer. It
// never returns errors: failures produce a Result carrying the input text and
// a Failure tag. Configuration swaps are atomic; a request uses the
// configuration current when it started.
type Refiner struct {
	state     atomic.Pointer[state]
	correct   prompt.ChatTemplate
	translate prompt.ChatTemplate
	metrics   *metrics.Metrics
}

func New(completer Completer, cfg Config, m *metrics.Metrics) *Refiner {
	if m == nil {
		m = metrics.NewDiscard()
	}
	r := &Refiner{
		correct:   correctionTemplate(),
		translate: translationTemplate(),
		metrics:   m,
	}
	r.Reconfigure(completer, cfg)
	return r
}

// Reconfigure applies to requests issued after it returns.
func (r *Refiner) Reconfigure(completer Completer, cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r.state.Store(&state{cfg: cfg, completer: completer})
}

func (r *Refiner) Config() Config {
	return r.state.Load().cfg
}

// Correct fixes recognition errors in text. history holds prior finalized
// texts, most recent first, and is passed to the model as context.
func (r *Refiner) Correct(ctx context.Context, text, language string, history []string) Result {
	res := Result{Text: text, OriginalText: text}
	if strings.TrimSpace(text) == "" {
		return res
	}
	st := r.state.Load()
	r.metrics.RefineRequests.WithLabelValues("correct").Inc()

	msgs, err := r.correct.Format(ctx, map[string]any{
		"text":     text,
		"language": languageName(language),
		"context":  contextBlock(history),
	})
	if err != nil {
		logging.Errorf("Refiner: format correction prompt: %v", err)
		return r.fail(res, "correct", FailureBackend)
	}

	out, failure := r.call(ctx, st, msgs, correctedTag)
	if failure != "" {
		return r.fail(res, "correct", failure)
	}
	res.Text = out
	res.IsCorrected = out != text
	return res
}

// Translate renders text in targetLanguage.
func (r *Refiner) Translate(ctx context.Context, text, targetLanguage string) Result {
	res := Result{Text: text, OriginalText: text}
	if strings.TrimSpace(text) == "" || strings.TrimSpace(targetLanguage) == "" {
		return res
	}
	st := r.state.Load()
	r.metrics.RefineRequests.WithLabelValues("translate").Inc()

	msgs, err := r.translate.Format(ctx, map[string]any{
		"text":            text,
		"target_language": languageName(targetLanguage),
	})
	if err != nil {
		logging.Errorf("Refiner: format translation prompt: %v", err)
		return r.fail(res, "translate", FailureBackend)
	}

	out, failure := r.call(ctx, st, msgs, translatedTag)
	if failure != "" {
		return r.fail(res, "translate", failure)
	}
	res.Text = out
	res.IsTranslated = true
	return res
}

// CorrectAsync runs Correct on its own goroutine. The channel yields exactly
// one Result and is then closed.
func (r *Refiner) CorrectAsync(ctx context.Context, text, language string, history []string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- r.Correct(ctx, text, language, history)
	}()
	return ch
}

func (r *Refiner) TranslateAsync(ctx context.Context, text, targetLanguage string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- r.Translate(ctx, text, targetLanguage)
	}()
	return ch
}

func (r *Refiner) fail(res Result, op string, failure Failure) Result {
	r.metrics.RefineFailures.WithLabelValues(op, string(failure)).Inc()
	logging.Warnf("Refiner: %s failed (%s), passing text through", op, failure)
	res.Error = failure
	return res
}

// abandoned tags a call cut short by the caller's own context.
func abandoned(ctx context.Context) Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureCancelled
}

// call retries backend and timeout failures up to MaxRetries times. Malformed
// answers are not retried.
func (r *Refiner) call(ctx context.Context, st *state, msgs []*schema.Message, tag string) (string, Failure) {
	if st.completer == nil {
		return "", FailureNotConfigured
	}

	start := time.Now()
	defer func() { r.metrics.RefineDuration.Observe(time.Since(start).Seconds()) }()

	var failure Failure
	for attempt := 0; attempt <= st.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", abandoned(ctx)
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, st.cfg.Timeout)
		raw, err := st.completer.Complete(callCtx, msgs)
		cancel()

		if err != nil {
			failure = FailureBackend
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				failure = FailureTimeout
			}
			logging.Warnf("Refiner: attempt %d/%d failed: %v", attempt+1, st.cfg.MaxRetries+1, err)
			if ctx.Err() != nil {
				return "", abandoned(ctx)
			}
			continue
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			return "", FailureEmptyResponse
		}
		out, ok := extractTagged(raw, tag)
		if !ok {
			return "", FailureMissingDelimiter
		}
		out = markdown.Filter(out)
		if out == "" {
			return "", FailureEmptyResponse
		}
		return out, ""
	}
	return "", failure
}
