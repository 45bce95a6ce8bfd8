// Package events implements a small pub/sub broker used to stream
// tablet-manager notifications (mount/unmount/freeze/action transitions)
// to operators and the orchid-style status surface, decoupled from the
// mailbox used for cell<->master message delivery (see pkg/tabletmanager).
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of cluster-visible notification.
type EventType string

const (
	EventTabletMounted    EventType = "tablet.mounted"
	EventTabletUnmounted  EventType = "tablet.unmounted"
	EventTabletFrozen     EventType = "tablet.frozen"
	EventTabletUnfrozen   EventType = "tablet.unfrozen"
	EventCellLeaderLost   EventType = "cell.leader_lost"
	EventCellEpochChanged EventType = "cell.epoch_changed"
	EventActionStarted    EventType = "action.started"
	EventActionCompleted  EventType = "action.completed"
	EventActionFailed     EventType = "action.failed"
	EventInvariantAlert   EventType = "invariant.violation"
)

// Event is a single notification posted to the broker.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	TabletID  string
	CellID    string
	ActionID  string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans published events out to subscribers, dropping events for
// subscribers whose buffer is full rather than blocking the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
