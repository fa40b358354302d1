package pipeline

import (
	"sync"
	"time"
)

// IdleMonitor fires once after threshold without speech, and again only
// after speech has resumed.
type IdleMonitor struct {
	threshold time.Duration
	now       func() time.Time

	mu         sync.Mutex
	lastSpeech time.Time
	fired      bool
}

func NewIdleMonitor(threshold time.Duration, now func() time.Time) *IdleMonitor {
	if now == nil {
		now = time.Now
	}
	return &IdleMonitor{
		threshold:  threshold,
		now:        now,
		lastSpeech: now(),
	}
}

// MarkSpeech records a speech frame and re-arms the timeout.
func (m *IdleMonitor) MarkSpeech() {
	m.mu.Lock()
	m.lastSpeech = m.now()
	m.fired = false
	m.mu.Unlock()
}

// MarkActivity restarts the countdown without re-arming.
func (m *IdleMonitor) MarkActivity() {
	m.mu.Lock()
	m.lastSpeech = m.now()
	m.mu.Unlock()
}

// Check reports whether the timeout fires now. idle must be true only when
// the pipeline is in Idle with no segment open or queued.
func (m *IdleMonitor) Check(idle bool) (elapsed time.Duration, fire bool) {
	if m.threshold <= 0 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed = m.now().Sub(m.lastSpeech)
	if !idle || m.fired || elapsed < m.threshold {
		return elapsed, false
	}
	m.fired = true
	return elapsed, true
}
