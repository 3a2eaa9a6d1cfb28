package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mazuadm/mazuadm/pkg/metrics"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// Common event types. The full vocabulary is open-ended: every catalog
// entity broadcasts <entity>_created/_updated/_deleted.
const (
	EventJobCreated     = "job_created"
	EventJobUpdated     = "job_updated"
	EventFlagCreated    = "flag_created"
	EventRoundCreated   = "round_created"
	EventRoundUpdated   = "round_updated"
	EventSettingUpdated = "setting_updated"
	EventWSConnections  = "ws_connections"
)

// Message is a typed event broadcast to subscribers
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Category returns the filter category of an event type: everything before
// the last underscore, so "exploit_run_created" belongs to "exploit_run".
func Category(eventType string) string {
	if i := strings.LastIndex(eventType, "_"); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// Subscription is one subscriber's view of the bus. Messages arrive on C().
// A nil filter receives everything; filters can be updated live.
type Subscription struct {
	ch     chan Message
	mu     sync.Mutex
	filter map[string]struct{} // nil means match all
	lagged atomic.Bool
}

// C returns the receive channel
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Matches reports whether an event type passes the subscription filter.
// A filter entry matches when it equals the event's category or is a prefix
// segment of it ("exploit" matches both "exploit_created" and
// "exploit_run_created").
func (s *Subscription) Matches(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter == nil {
		return true
	}
	category := Category(eventType)
	for sub := range s.filter {
		if category == sub || strings.HasPrefix(category, sub+"_") {
			return true
		}
	}
	return false
}

// Add extends the filter with more event categories. On a previously
// unfiltered subscription this narrows it down to just the given set.
func (s *Subscription) Add(categories []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter == nil {
		s.filter = make(map[string]struct{})
	}
	for _, c := range categories {
		s.filter[c] = struct{}{}
	}
}

// Remove deletes categories from the filter
func (s *Subscription) Remove(categories []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter == nil {
		return
	}
	for _, c := range categories {
		delete(s.filter, c)
	}
}

// Filter returns a snapshot of the current filter set
func (s *Subscription) Filter() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.filter))
	for c := range s.filter {
		out = append(out, c)
	}
	return out
}

// TakeLagged reports whether the subscriber fell behind since the last call
// and clears the signal. Lagged subscribers lose messages but stay
// subscribed and resume from current.
func (s *Subscription) TakeLagged() bool {
	return s.lagged.Swap(false)
}

// Bus is a broadcast fan-out of typed events to N subscribers. Publish never
// blocks: a subscriber whose buffer is full gets messages dropped and a
// lagged signal instead.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

const subscriberBuffer = 256

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. A nil or empty filter receives all
// events.
func (b *Bus) Subscribe(filter []string) *Subscription {
	sub := &Subscription{
		ch: make(chan Message, subscriberBuffer),
	}
	if len(filter) > 0 {
		sub.filter = make(map[string]struct{}, len(filter))
		for _, c := range filter {
			sub.filter[c] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish broadcasts an event to all matching subscribers
func (b *Bus) Publish(eventType string, data any) {
	msg := Message{Type: eventType, Data: data}
	metrics.EventsPublished.Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.Matches(eventType) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full: drop and signal, never block the sender
			sub.lagged.Store(true)
			metrics.EventsDropped.Inc()
		}
	}
}

// PublishJob broadcasts a job event with stdout/stderr stripped to keep the
// bus lean
func (b *Bus) PublishJob(eventType string, job *types.ExploitJob) {
	b.Publish(eventType, job.WithoutLogs())
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
