package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Subscription is a live feed of events for one project, optionally
// filtered to a subset of Kinds (nil/empty means every kind).
type Subscription struct {
	Ch        chan Event
	Kinds     []Kind
	ProjectID string
}

// Backpressure tuning: a slow websocket client gets a few retries before
// its event is dropped rather than stalling every publisher.
const (
	maxBackpressureRetries = 3
	backpressureRetryDelay = 10 * time.Millisecond
)

// Store persists events so a reconnecting subscriber can catch up on what
// it missed (spec's "pending events" read, mirrored from the teacher's
// EventStore contract).
type Store interface {
	Save(event *Event) error
	GetPending(projectID string, kinds []Kind) ([]*Event, error)
	MarkDelivered(eventID string) error
}

// Bus fans out published events to every matching subscription.
type Bus struct {
	logger        *zap.Logger
	subscribers   map[string][]*Subscription // projectID -> subscriptions
	store         Store
	mu            sync.RWMutex
	droppedEvents uint64
}

// New creates an event bus; store may be nil to run purely in-memory.
func New(store Store, logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		store:       store,
		logger:      logger,
	}
}

// Subscribe returns a channel receiving events for projectID, optionally
// filtered to kinds. The special projectID "*" receives every project's
// events.
func (b *Bus) Subscribe(projectID string, kinds []Kind) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{Ch: make(chan Event, 100), Kinds: kinds, ProjectID: projectID}
	b.subscribers[projectID] = append(b.subscribers[projectID], sub)
	return sub.Ch
}

// Unsubscribe removes and closes a subscription previously returned by Subscribe.
func (b *Bus) Unsubscribe(projectID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[projectID]
	if !ok {
		return
	}
	for i, sub := range subs {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers[projectID] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[projectID]) == 0 {
				delete(b.subscribers, projectID)
			}
			return
		}
	}
}

// Publish persists (if a store is wired) and fans event out to every
// matching subscription for its project plus every "*" subscription.
func (b *Bus) Publish(event *Event) {
	if b.store != nil {
		if err := b.store.Save(event); err != nil && b.logger != nil {
			b.logger.Warn("eventbus: failed to persist event",
				zap.String("kind", string(event.Kind)), zap.String("projectId", event.ProjectID), zap.Error(err))
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var targets []*Subscription
	targets = append(targets, b.subscribers[event.ProjectID]...)
	targets = append(targets, b.subscribers["*"]...)

	for _, sub := range targets {
		if matchesKind(event.Kind, sub.Kinds) {
			b.sendWithBackpressure(sub, event)
		}
	}
}

func (b *Bus) sendWithBackpressure(sub *Subscription, event *Event) {
	select {
	case sub.Ch <- *event:
		return
	default:
	}
	for retry := 1; retry <= maxBackpressureRetries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.Ch <- *event:
			return
		default:
		}
	}
	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	if b.logger != nil {
		b.logger.Warn("eventbus: dropped event, subscriber channel full",
			zap.String("kind", string(event.Kind)), zap.String("projectId", event.ProjectID), zap.Uint64("totalDropped", dropped))
	}
}

// GetPending returns undelivered events for a project from the store, if wired.
func (b *Bus) GetPending(projectID string, kinds []Kind) ([]*Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.GetPending(projectID, kinds)
}

// MarkDelivered records that a pending event has been seen by a client.
func (b *Bus) MarkDelivered(eventID string) error {
	if b.store == nil {
		return nil
	}
	return b.store.MarkDelivered(eventID)
}

// DroppedEventCount reports how many events were dropped to backpressure.
func (b *Bus) DroppedEventCount() uint64 { return atomic.LoadUint64(&b.droppedEvents) }

func matchesKind(kind Kind, kinds []Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
