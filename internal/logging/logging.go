package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string
}

// Entry is a single log line as seen by broadcast listeners.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
	Caller  string
}

var (
	baseLogger *zap.Logger
	sugar      *zap.SugaredLogger
	traceID    atomic.Value
	segmentID  uint64

	listenersMu sync.RWMutex
	listeners   map[int]func(Entry)
	nextID      int
)

func init() {
	baseLogger = zap.NewNop()
	sugar = baseLogger.Sugar()
	listeners = make(map[int]func(Entry))
}

func Init(cfg Config) error {
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = "console"
	}

	var zapCfg zap.Config
	switch format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s", cfg.Format)
	}

	atomLevel := zap.NewAtomicLevel()
	if err := atomLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %s", cfg.Level)
	}
	zapCfg.Level = atomLevel

	logger, err := zapCfg.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.Hooks(broadcast),
	)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	baseLogger = logger
	sugar = logger.Sugar()
	return nil
}

func Sync() {
	if baseLogger != nil {
		_ = baseLogger.Sync()
	}
}

// Subscribe registers fn to receive every entry written after Init. The
// returned func removes the listener. fn runs on the logging goroutine and
// must not block.
func Subscribe(fn func(Entry)) func() {
	listenersMu.Lock()
	id := nextID
	nextID++
	listeners[id] = fn
	listenersMu.Unlock()

	return func() {
		listenersMu.Lock()
		delete(listeners, id)
		listenersMu.Unlock()
	}
}

func broadcast(e zapcore.Entry) error {
	listenersMu.RLock()
	defer listenersMu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}
	entry := Entry{
		Time:    e.Time,
		Level:   e.Level.CapitalString(),
		Message: e.Message,
		Caller:  e.Caller.TrimmedPath(),
	}
	for _, fn := range listeners {
		fn(entry)
	}
	return nil
}

func SetTraceID(id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	traceID.Store(id)
}

func NewTraceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "trace-unknown"
	}
	return hex.EncodeToString(buf)
}

// StartSegment bumps the segment counter attached to subsequent log lines.
func StartSegment() uint64 {
	return atomic.AddUint64(&segmentID, 1)
}

func Debugf(format string, args ...interface{}) {
	withFields().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	withFields().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	withFields().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	withFields().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	withFields().Fatalf(format, args...)
}

func withFields() *zap.SugaredLogger {
	tid, _ := traceID.Load().(string)
	if tid == "" {
		tid = "trace-unknown"
	}
	current := atomic.LoadUint64(&segmentID)
	return sugar.With(
		"trace_id", tid,
		"segment", current,
		"log_id", fmt.Sprintf("%s-%d", tid, current),
	)
}
