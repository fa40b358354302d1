package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/queue"
)

const (
	DefaultCapacity = 500
	persistTimeout  = 5 * time.Second
)

var ErrClosed = errors.New("history store closed")

type Options struct {
	Capacity int
	Metrics  *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type writeOp struct {
	insert *Record
	clear  chan error
}

// Store is the bounded history cache. Reads never touch storage. Writes are
// applied to the cache immediately and persisted, in order, by one writer
// goroutine; persistence failures are logged and counted, never returned.
type Store struct {
	mu       sync.RWMutex
	cache    []Record // most recent first
	capacity int
	lastTS   time.Time

	persister Persister
	metrics   *metrics.Metrics
	now       func() time.Time

	// lock order: mu, then qmu
	qmu    sync.Mutex
	ops    *queue.Queue[writeOp]
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// Open loads up to Capacity records from p and starts the writer. A nil
// persister keeps history in memory only.
func Open(ctx context.Context, p Persister, opts Options) (*Store, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDiscard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		capacity:  opts.Capacity,
		persister: p,
		metrics:   opts.Metrics,
		now:       opts.Now,
		ops:       queue.New[writeOp](),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if p != nil {
		records, err := p.Recent(ctx, s.capacity)
		if err != nil {
			return nil, err
		}
		s.cache = records
		if len(records) > 0 {
			s.lastTS = records[0].Timestamp
		}
	}

	go s.writer()
	logging.Infof("History store ready (%d cached, capacity %d)", len(s.cache), s.capacity)
	return s, nil
}

// Add records a finalized text. Blank text is ignored and reported with
// ok=false.
func (s *Store) Add(text, original string, duration *float64, language string) (Record, bool) {
	if strings.TrimSpace(text) == "" {
		return Record{}, false
	}

	s.mu.Lock()
	ts := s.now()
	// keep timestamps strictly increasing so storage order matches the cache
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	rec := Record{
		ID:        uuid.NewString(),
		Text:      text,
		Original:  original,
		Timestamp: ts,
		Duration:  duration,
		Language:  language,
	}
	s.cache = append([]Record{rec}, s.cache...)
	if len(s.cache) > s.capacity {
		s.cache = s.cache[:s.capacity]
	}
	// enqueued under mu so the write queue sees ops in cache order
	if s.persister != nil {
		r := rec
		s.enqueue(writeOp{insert: &r})
	}
	s.mu.Unlock()
	return rec, true
}

// Recent returns up to k texts, most recent first.
func (s *Store) Recent(k int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k > len(s.cache) {
		k = len(s.cache)
	}
	if k <= 0 {
		return nil
	}
	out := make([]string, k)
	for i := range out {
		out[i] = s.cache[i].Text
	}
	return out
}

func (s *Store) RecentRecords(k int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k > len(s.cache) {
		k = len(s.cache)
	}
	if k <= 0 {
		return nil
	}
	out := make([]Record, k)
	copy(out, s.cache[:k])
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Store) Capacity() int {
	return s.capacity
}

// Clear empties the cache at once and waits until pending writes and the
// storage delete have completed.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cache = nil
	if s.persister == nil {
		s.mu.Unlock()
		return nil
	}
	result := make(chan error, 1)
	queued := s.enqueue(writeOp{clear: result})
	s.mu.Unlock()
	if !queued {
		return ErrClosed
	}
	select {
	case err := <-result:
		if err == nil {
			logging.Infof("History cleared")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes and closes the persister.
func (s *Store) Close() error {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.qmu.Unlock()
	s.signal()

	<-s.done
	if s.persister != nil {
		return s.persister.Close()
	}
	return nil
}

func (s *Store) enqueue(op writeOp) bool {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		logging.Warnf("History: write after close dropped")
		return false
	}
	s.ops.Enqueue(op)
	s.qmu.Unlock()
	s.signal()
	return true
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		<-s.wake
		for {
			s.qmu.Lock()
			op, ok := s.ops.Dequeue()
			closed := s.closed
			s.qmu.Unlock()
			if !ok {
				if closed {
					return
				}
				break
			}
			s.apply(op)
		}
	}
}

func (s *Store) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if op.clear != nil {
		err := s.persister.DeleteAll(ctx)
		if err != nil {
			s.metrics.PersistFailures.Inc()
			logging.Errorf("History: failed to clear storage: %v", err)
		}
		op.clear <- err
		return
	}

	if err := s.persister.Insert(ctx, *op.insert); err != nil {
		s.metrics.PersistFailures.Inc()
		logging.Errorf("History: failed to persist record %s: %v", op.insert.ID, err)
		return
	}
	if s.Len() >= s.capacity {
		n, err := s.persister.Prune(ctx, s.capacity)
		if err != nil {
			logging.Warnf("History: cleanup failed: %v", err)
		} else if n > 0 {
			logging.Debugf("History: cleaned up %d old records", n)
		}
	}
}
