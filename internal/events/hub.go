package events

import (
	"sync"

	"github.com/liuscraft/vocistant/internal/metrics"
)

const DefaultLogHistory = 100

// Subscription receives events in publish order on C. A subscriber that
// falls behind loses events rather than slowing the publisher.
type Subscription struct {
	id    int
	kinds map[Type]bool
	ch    chan Event
	hub   *Hub
	once  sync.Once
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

func (s *Subscription) wants(t Type) bool {
	return len(s.kinds) == 0 || s.kinds[t]
}

type HubOptions struct {
	// History keeps the last n events of a kind for replay to new subscribers.
	History map[Type]int
	Metrics *metrics.Metrics
}

// Hub is the process's pub/sub registry. It is created by the host and
// passed to every component that publishes or listens.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	closed  bool
	limits  map[Type]int
	history map[Type][]Event
	metrics *metrics.Metrics
}

func NewHub(opts HubOptions) *Hub {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDiscard()
	}
	limits := make(map[Type]int, len(opts.History))
	for t, n := range opts.History {
		if n > 0 {
			limits[t] = n
		}
	}
	return &Hub{
		subs:    make(map[int]*Subscription),
		limits:  limits,
		history: make(map[Type][]Event),
		metrics: opts.Metrics,
	}
}

// Subscribe registers a listener for kinds (all kinds when none given). Any
// retained history of those kinds is delivered first, oldest first.
func (h *Hub) Subscribe(buffer int, kinds ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		ch:  make(chan Event, buffer),
		hub: h,
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Type]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	for t, retained := range h.history {
		if !s.wants(t) {
			continue
		}
		for _, e := range retained {
			select {
			case s.ch <- e:
			default:
				h.metrics.EventsDropped.WithLabelValues(string(t)).Inc()
			}
		}
	}
	s.id = h.nextID
	h.nextID++
	h.subs[s.id] = s
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[s.id]; ok && cur == s {
		delete(h.subs, s.id)
	}
	s.once.Do(func() {
		if !h.closed {
			close(s.ch)
		}
	})
}

// Publish never blocks. Retention and delivery happen under one lock so a
// concurrent Subscribe sees an event either in replay or live, never both.
func (h *Hub) Publish(e Event) {
	if e == nil {
		return
	}
	t := e.Type()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if limit := h.limits[t]; limit > 0 {
		retained := append(h.history[t], e)
		if len(retained) > limit {
			retained = append([]Event(nil), retained[len(retained)-limit:]...)
		}
		h.history[t] = retained
	}
	for _, s := range h.subs {
		if !s.wants(t) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.metrics.EventsDropped.WithLabelValues(string(t)).Inc()
		}
	}
}

// History returns the retained events of kind t, oldest first.
func (h *Hub) History(t Type) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.history[t]...)
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		s.once.Do(func() { close(s.ch) })
		delete(h.subs, id)
	}
}
