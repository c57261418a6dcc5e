package events

import (
	"sync"
	"time"

	"github.com/canopyhq/canopy/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventDeploymentCreated EventType = "deployment.created"
	EventDeploymentUpdated EventType = "deployment.updated"
	EventDeploymentDeleted EventType = "deployment.deleted"
)

// Event represents a desired-state change scoped to one runner
type Event struct {
	Type         EventType
	Timestamp    time.Time
	WorkspaceID  string
	RunnerID     string
	DeploymentID string

	// New carries the full desired state for created/updated events.
	// Old carries the previous desired state for updated events. Both
	// are nil for deleted events.
	Old *types.Deployment
	New *types.Deployment
}

// Subscriber is a channel that receives events for one runner
type Subscriber chan *Event

type runnerKey struct {
	workspaceID string
	runnerID    string
}

// Broker routes deployment events to the stream serving each runner.
// Events for the same deployment are delivered to a subscriber in
// publish order; a full subscriber buffer drops the event, which is
// safe because runners periodically reconcile everything anyway.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[runnerKey]map[Subscriber]bool
	stopped     bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[runnerKey]map[Subscriber]bool),
	}
}

// Subscribe creates a subscription for events targeting the given runner
func (b *Broker) Subscribe(workspaceID, runnerID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := runnerKey{workspaceID: workspaceID, runnerID: runnerID}
	sub := make(Subscriber, 64)
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[Subscriber]bool)
	}
	b.subscribers[key][sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(workspaceID, runnerID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := runnerKey{workspaceID: workspaceID, runnerID: runnerID}
	if subs, ok := b.subscribers[key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, key)
		}
	}
	close(sub)
}

// Publish delivers an event to every subscriber of its target runner.
// Delivery happens on the caller's goroutine so that two publishes for
// the same deployment reach each subscriber in call order.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}

	key := runnerKey{workspaceID: event.WorkspaceID, runnerID: event.RunnerID}
	for sub := range b.subscribers[key] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Stop marks the broker stopped; later publishes are ignored
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}
