// Package hub fans seat state changes out to every viewer of a showtime.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

var (
	// ErrClosed is reported to subscribers when the hub shuts down.
	ErrClosed = errors.New("hub closed")
	// ErrSlowSubscriber is reported to a subscriber whose buffer filled up.
	ErrSlowSubscriber = errors.New("subscriber too slow")
)

// Event is one seat delta.  Revision orders events of the same showtime;
// zero means unordered and is always delivered.
type Event struct {
	ShowtimeID string           `json:"showtime_id"`
	SeatID     string           `json:"seat_id"`
	Status     model.SeatStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Revision   int64            `json:"revision"`
	At         time.Time        `json:"at"`
}

// Publisher delivers events to subscribers, locally or across instances.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// Hub keeps one topic per showtime.  Sends never block: a subscriber that
// cannot keep up is dropped and must reconnect and re-read the seat map.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
	buffer int
	log    *zap.Logger
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber event buffer.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// New returns an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		topics: make(map[string]*topic),
		buffer: 64,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is one viewer's feed.  Events is never closed; watch Done
// to learn that the subscription ended and Err for why.
type Subscription struct {
	ShowtimeID string

	hub     *Hub
	events  chan Event
	done    chan struct{}
	once    sync.Once
	err     error
	lastRev map[string]int64 // guarded by the topic mutex
}

// Events returns the delta stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, nil if it was closed by the
// subscriber or is still open.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close unsubscribes.  It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Subscribe opens a feed for a showtime.
func (h *Hub) Subscribe(showtimeID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	t, ok := h.topics[showtimeID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[showtimeID] = t
	}
	sub := &Subscription{
		ShowtimeID: showtimeID,
		hub:        h,
		events:     make(chan Event, h.buffer),
		done:       make(chan struct{}),
		lastRev:    make(map[string]int64),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

func (h *Hub) remove(sub *Subscription, err error) {
	h.mu.Lock()
	if t, ok := h.topics[sub.ShowtimeID]; ok {
		t.mu.Lock()
		delete(t.subs, sub)
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(h.topics, sub.ShowtimeID)
		}
	}
	h.mu.Unlock()
	sub.end(err)
}

// Publish delivers events to local subscribers.  Events of one call are
// delivered in order; an event older than one already delivered for the
// same seat is skipped.
func (h *Hub) Publish(_ context.Context, events []Event) error {
	byShowtime := make(map[string][]Event)
	var order []string
	for _, ev := range events {
		if _, ok := byShowtime[ev.ShowtimeID]; !ok {
			order = append(order, ev.ShowtimeID)
		}
		byShowtime[ev.ShowtimeID] = append(byShowtime[ev.ShowtimeID], ev)
	}
	for _, st := range order {
		h.deliver(st, byShowtime[st])
	}
	return nil
}

func (h *Hub) deliver(showtimeID string, events []Event) {
	h.mu.RLock()
	t, ok := h.topics[showtimeID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var slow []*Subscription
	t.mu.Lock()
	for sub := range t.subs {
		for _, ev := range events {
			if ev.Revision > 0 {
				if ev.Revision <= sub.lastRev[ev.SeatID] {
					continue
				}
				sub.lastRev[ev.SeatID] = ev.Revision
			}
			select {
			case sub.events <- ev:
				continue
			default:
			}
			slow = append(slow, sub)
			break
		}
	}
	t.mu.Unlock()

	for _, sub := range slow {
		h.log.Warn("dropping slow subscriber", zap.String("showtime_id", showtimeID))
		h.remove(sub, ErrSlowSubscriber)
	}
}

// Subscribers returns the number of open subscriptions for a showtime.
func (h *Hub) Subscribers(showtimeID string) int {
	h.mu.RLock()
	t, ok := h.topics[showtimeID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription with ErrClosed and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, t := range h.topics {
		t.mu.Lock()
		for sub := range t.subs {
			subs = append(subs, sub)
		}
		t.mu.Unlock()
	}
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrClosed)
	}
}
