package bus

import (
	"slices"
	"time"
)

// Bus is a thread-safe, in-process change notification bus.
//
// Key characteristics:
// - Path-based fan-out: handlers subscribe to a container path and receive
//   every event at or below it.
// - Ordered asynchronous delivery: Publish only enqueues; one dispatcher
//   goroutine invokes handlers, so every subscriber sees notifications in
//   publish order.
// - Coalescing: one Notification carries all events of one mutation batch.
//   A subscriber receives the subset of events under its path, or nothing.
// - Optional observability: metrics are produced only when observers are registered.
//
// Notes:
// - Handlers run on the dispatcher goroutine. They must not block on the
//   publisher, e.g. by issuing document commands synchronously.
// - All methods must be safe for concurrent use.
type Bus interface {
	// Publish enqueues n for every subscriber whose path covers at least one event.
	Publish(n Notification) error
	// Subscribe registers handler for changes at or below path. A nil path
	// observes the whole document.
	Subscribe(path []string, handler Handler) (Subscription, error)
	// SubscribeWithSnapshot registers handler and enqueues initial for it in
	// one step, so no notification published afterwards can overtake it.
	SubscribeWithSnapshot(path []string, handler Handler, initial Notification) (Subscription, error)
	// Unsubscribe cancels the given Subscription. It is safe to call with nil; does nothing.
	Unsubscribe(Subscription) error

	// AddObserver registers an observer to receive metrics callbacks.
	AddObserver(obs Observer)
	// RemoveObserver unregisters a previously added observer.
	RemoveObserver(obs Observer)
	// GetMetrics returns a best-effort snapshot of accumulated metrics. Metrics are only
	// collected when at least one observer is registered.
	GetMetrics() Metrics

	// Close stops accepting notifications, delivers what is already queued
	// and waits for the dispatcher to exit.
	Close() error
}

// Kind names the shape of a single change
type Kind string

const (
	KeyAdded         Kind = "key_added"
	KeyRemoved       Kind = "key_removed"
	ElementAdded     Kind = "element_added"
	ElementRemoved   Kind = "element_removed"
	ElementReordered Kind = "element_reordered"
)

// Detail describes the key or element an Event is about.
// Index is the visible index after the change; for removals it is the index
// the element held before. From is set only for ElementReordered.
type Detail struct {
	Key      string `json:"key,omitempty"`
	Position string `json:"position,omitempty"`
	Content  string `json:"content,omitempty"`
	Author   string `json:"author,omitempty"`
	Index    int    `json:"index"`
	From     int    `json:"from,omitempty"`
}

// Event is one visible change inside the container at Path
type Event struct {
	Path   []string `json:"path"`
	Kind   Kind     `json:"kind"`
	Detail Detail   `json:"detail"`
}

// Target is the path the event is about: the container path for element
// events and the container path plus key for key events.
func (e Event) Target() []string {
	if e.Kind == KeyAdded || e.Kind == KeyRemoved {
		return append(slices.Clone(e.Path), e.Detail.Key)
	}
	return e.Path
}

// Covers reports whether a subscriber of path should see e
func (e Event) Covers(path []string) bool {
	target := e.Target()
	return len(path) <= len(target) && slices.Equal(target[:len(path)], path)
}

// Notification is the coalesced set of events one mutation batch produced.
// Initial marks the synthetic full-state notification of a new subscription.
type Notification struct {
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
	Initial bool      `json:"initial,omitempty"`
	Events  []Event   `json:"events"`
}

// Handler is a user callback invoked per delivered notification. Errors are
// reported to observers; they do not stop delivery.
type Handler func(n Notification) error

// Subscription represents a registered handler bound to a path.
// Use Cancel or Bus.Unsubscribe to stop receiving notifications.
type Subscription interface {
	// ID is a unique identifier for this subscription.
	ID() string
	// Path returns the container path this subscription observes.
	Path() []string
	// IsActive reports whether this subscription is still registered.
	IsActive() bool
	// Cancel de-registers the handler from the bus. Multiple calls are safe.
	Cancel() error
}

// Observer is notified about publishes and deliveries. Implementations can
// export metrics, tracing, or logs. Observers should return quickly.
type Observer interface {
	OnPublish(source string, events int)
	OnDelivered(subscription string, events int, err error, durationMicros int64)
}

// Metrics represents a minimal set of counters; it is updated only when
// at least one observer is registered.
type Metrics struct {
	Published         uint64
	Delivered         uint64
	Errors            uint64
	Pending           uint64
	SubscribersActive uint64
}
