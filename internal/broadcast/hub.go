// Package broadcast fans state-change events out to live subscribers.
//
// The hub keeps two independent pools: event-stream subscribers (SSE) and
// public WebSocket subscribers. Delivery is best-effort: each subscriber has
// a bounded queue, and a subscriber whose queue is full or closed is dropped
// instead of blocking the publisher.
package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// Event names published on the hub.
const (
	EventConnected      = "connected"
	EventOnlineChanged  = "online-changed"
	EventStatusChanged  = "status_changed"
	EventDeviceAdded    = "device_added"
	EventDeviceUpdated  = "device_updated"
	EventDeviceDeleted  = "device_deleted"
	EventDevicesCleared = "devices_cleared"
	EventRefresh        = "refresh"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// Event is one published message.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// OnlineChanged is the payload of EventOnlineChanged.
type OnlineChanged struct {
	Online int `json:"online"`
}

// Subscription is a subscriber's queue handle.
type Subscription struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(size int) *Subscription {
	return &Subscription{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Events delivers published events in publish order. The channel is never
// closed; select on Done as well.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// offer enqueues ev without blocking. It returns false if the subscription
// is closed or its queue is full.
func (s *Subscription) offer(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// Hub is the process-wide broadcaster. It is safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	streams   map[*Subscription]struct{}
	sockets   map[*Subscription]struct{}
	observers []func(online int)
	closed    bool
	seq       uint64 // bumped on every count change, under mu

	// notifyMu orders observer calls; notified is the seq last delivered.
	notifyMu sync.Mutex
	notified uint64

	bufferSize int
	logger     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		streams:    make(map[*Subscription]struct{}),
		sockets:    make(map[*Subscription]struct{}),
		bufferSize: DefaultBufferSize,
		logger:     logger.Named("broadcast"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnOnlineChange registers fn to be called with the new event-stream
// subscriber count whenever it changes. Calls are serialized and a count
// older than one already delivered is skipped, so the last value fn saw is
// always current. fn runs outside the hub lock but must not call back into
// the hub.
func (h *Hub) OnOnlineChange(fn func(online int)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Subscribe adds an event-stream subscriber and announces the new count to
// every subscriber, the new one included. After Close it returns a
// subscription that is already done.
func (h *Hub) Subscribe() *Subscription {
	sub := newSubscription(h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	h.streams[sub] = struct{}{}
	online := len(h.streams)
	h.logger.Debug("event stream connected", zap.Int("online", online))
	h.publishLocked(Event{Name: EventOnlineChanged, Data: OnlineChanged{Online: online}})
	online = len(h.streams)
	observers, seq := h.observers, h.bumpLocked()
	h.mu.Unlock()

	h.notify(seq, observers, online)
	return sub
}

// Unsubscribe removes an event-stream subscriber. Removing a subscriber the
// hub already dropped is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.streams[sub]; !ok {
		h.mu.Unlock()
		sub.close()
		return
	}
	delete(h.streams, sub)
	sub.close()
	online := len(h.streams)
	h.logger.Debug("event stream disconnected", zap.Int("online", online))
	h.publishLocked(Event{Name: EventOnlineChanged, Data: OnlineChanged{Online: online}})
	online = len(h.streams)
	observers, seq := h.observers, h.bumpLocked()
	h.mu.Unlock()

	h.notify(seq, observers, online)
}

// SubscribeSocket adds a public WebSocket subscriber. Socket subscribers
// receive the mirror of every published event and are not counted online.
func (h *Hub) SubscribeSocket() *Subscription {
	sub := newSubscription(h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.sockets[sub] = struct{}{}
	return sub
}

// UnsubscribeSocket removes a public WebSocket subscriber.
func (h *Hub) UnsubscribeSocket(sub *Subscription) {
	h.mu.Lock()
	delete(h.sockets, sub)
	h.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every event-stream subscriber and mirrors it
// to every socket subscriber. It never blocks on a slow subscriber.
func (h *Hub) Publish(name string, data any) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	before := len(h.streams)
	h.publishLocked(Event{Name: name, Data: data})
	online := len(h.streams)
	if online == before {
		h.mu.Unlock()
		return
	}
	observers, seq := h.observers, h.bumpLocked()
	h.mu.Unlock()

	h.notify(seq, observers, online)
}

// publishLocked delivers ev and drops subscribers that cannot take it. If
// any event-stream subscriber was dropped the new count is republished.
// Caller holds h.mu.
func (h *Hub) publishLocked(ev Event) {
	dropped := 0
	for sub := range h.streams {
		if !sub.offer(ev) {
			delete(h.streams, sub)
			sub.close()
			dropped++
		}
	}
	for sub := range h.sockets {
		if !sub.offer(ev) {
			delete(h.sockets, sub)
			sub.close()
			h.logger.Debug("dropped slow socket subscriber")
		}
	}

	if dropped > 0 {
		h.logger.Debug("dropped slow event stream subscribers",
			zap.Int("dropped", dropped), zap.Int("online", len(h.streams)))
		h.publishLocked(Event{Name: EventOnlineChanged, Data: OnlineChanged{Online: len(h.streams)}})
	}
}

// Online returns the number of event-stream subscribers.
func (h *Hub) Online() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Sockets returns the number of public WebSocket subscribers.
func (h *Hub) Sockets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// Close drops every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	hadStreams := len(h.streams) > 0
	for sub := range h.streams {
		sub.close()
	}
	for sub := range h.sockets {
		sub.close()
	}
	h.streams = make(map[*Subscription]struct{})
	h.sockets = make(map[*Subscription]struct{})
	observers, seq := h.observers, h.bumpLocked()
	h.mu.Unlock()

	if hadStreams {
		h.notify(seq, observers, 0)
	}
}

// bumpLocked returns the sequence number of a new count. Caller holds h.mu.
func (h *Hub) bumpLocked() uint64 {
	h.seq++
	return h.seq
}

// notify delivers online to observers unless a newer count has already
// gone out.
func (h *Hub) notify(seq uint64, observers []func(int), online int) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	if seq <= h.notified {
		return
	}
	h.notified = seq
	for _, fn := range observers {
		fn(online)
	}
}
