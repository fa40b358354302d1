// Package output delivers finalized text to the user: typed at the cursor,
// copied to the clipboard, or nowhere.
package output

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"

	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
)

type Mode string

const (
	ModeInject    Mode = "inject"
	ModeClipboard Mode = "clipboard"
	ModeNone      Mode = "none"
)

var (
	// ErrInjection wraps every delivery failure. The text itself is still
	// reported to listeners by the caller.
	ErrInjection   = errors.New("output failed")
	ErrUnknownMode = errors.New("unknown output mode")
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeInject, ModeClipboard, ModeNone:
		return m, nil
	case "":
		return ModeInject, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownMode, s)
	}
}

// Dispatcher routes text to the sink selected by Mode.
type Dispatcher struct {
	injector  Injector
	clipboard func(string) error
	metrics   *metrics.Metrics
}

// NewDispatcher accepts a nil injector; inject mode then fails with
// ErrPermissionDenied.
func NewDispatcher(injector Injector, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewDiscard()
	}
	return &Dispatcher{
		injector:  injector,
		clipboard: clipboard.WriteAll,
		metrics:   m,
	}
}

// CheckPermission verifies that mode can be served. Only inject needs it.
func (d *Dispatcher) CheckPermission(mode Mode) error {
	if mode != ModeInject {
		return nil
	}
	if d.injector == nil {
		return fmt.Errorf("%w: no injector configured", ErrPermissionDenied)
	}
	return d.injector.CheckPermission()
}

func (d *Dispatcher) Dispatch(ctx context.Context, mode Mode, text string, perCharDelay time.Duration) error {
	if text == "" {
		return nil
	}
	if mode == ModeNone {
		d.metrics.Emitted.WithLabelValues(string(mode)).Inc()
		return nil
	}

	var err error
	switch mode {
	case ModeInject:
		if d.injector == nil {
			err = ErrPermissionDenied
		} else {
			err = d.injector.Inject(ctx, text, perCharDelay)
		}
	case ModeClipboard:
		err = d.clipboard(text)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	if err != nil {
		d.metrics.OutputFailures.Inc()
		logging.Errorf("Output: %s failed: %v", mode, err)
		return fmt.Errorf("%w: %s: %w", ErrInjection, mode, err)
	}
	d.metrics.Emitted.WithLabelValues(string(mode)).Inc()
	logging.Infof("Output: delivered %d characters via %s", len([]rune(text)), mode)
	return nil
}
