package events

import "github.com/liuscraft/vocistant/internal/logging"

// ForwardLogs publishes every log line as a LogEvent until stop is called.
func ForwardLogs(h *Hub) (stop func()) {
	return logging.Subscribe(func(e logging.Entry) {
		h.Publish(LogEvent{
			Timestamp: e.Time,
			Level:     e.Level,
			Message:   e.Message,
			Caller:    e.Caller,
		})
	})
}
