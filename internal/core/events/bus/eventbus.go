package bus

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// subscription implements Subscription interface.
type subscription struct {
	id      string
	seq     uint64
	path    []string
	handler Handler
	active  atomic.Bool
	cancel  func()
}

func (s *subscription) ID() string     { return s.id }
func (s *subscription) Path() []string { return slices.Clone(s.path) }
func (s *subscription) IsActive() bool { return s.active.Load() }
func (s *subscription) Cancel() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.active.Store(false)
	return nil
}

type delivery struct {
	sub *subscription
	n   Notification
}

// inMemoryBus is a thread-safe implementation of Bus with a single ordered dispatcher.
type inMemoryBus struct {
	mu        sync.RWMutex
	subs      map[string]*subscription
	queue     []delivery
	wake      chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closed    bool
	nextSeq   uint64
	metrics   Metrics
	observers map[Observer]struct{}
}

// New creates a new Bus instance and starts its dispatcher.
func New() Bus {
	b := &inMemoryBus{
		subs:      make(map[string]*subscription),
		wake:      make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		observers: make(map[Observer]struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

func (b *inMemoryBus) Publish(n Notification) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(b.observers) > 0 {
		b.metrics.Published++
	}
	for _, s := range b.sortedSubsLocked() {
		if filtered, ok := filter(n, s.path); ok {
			b.queue = append(b.queue, delivery{sub: s, n: filtered})
		}
	}
	b.signal()
	observers := b.observersLocked()
	b.mu.Unlock()

	for _, obs := range observers {
		obs.OnPublish(n.Source, len(n.Events))
	}
	return nil
}

func (b *inMemoryBus) Subscribe(path []string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(path, handler)
}

func (b *inMemoryBus) SubscribeWithSnapshot(path []string, handler Handler, initial Notification) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.subscribeLocked(path, handler)
	if err != nil {
		return nil, err
	}
	initial.Initial = true
	b.queue = append(b.queue, delivery{sub: s, n: initial})
	b.signal()
	return s, nil
}

func (b *inMemoryBus) subscribeLocked(path []string, handler Handler) (*subscription, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	id := uuid.NewString()
	b.nextSeq++
	s := &subscription{id: id, seq: b.nextSeq, path: slices.Clone(path), handler: handler}
	s.active.Store(true)
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		s.active.Store(false)
	}
	b.subs[id] = s
	return s, nil
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *inMemoryBus) AddObserver(obs Observer) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs Observer) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.metrics
	m.Pending = uint64(len(b.queue))
	m.SubscribersActive = uint64(len(b.subs))
	return m
}

func (b *inMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopChan)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *inMemoryBus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// sortedSubsLocked fixes a delivery order among subscribers of one notification
func (b *inMemoryBus) sortedSubsLocked() []*subscription {
	out := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y *subscription) int {
		return cmp.Compare(x.seq, y.seq)
	})
	return out
}

func (b *inMemoryBus) observersLocked() []Observer {
	if len(b.observers) == 0 {
		return nil
	}
	out := make([]Observer, 0, len(b.observers))
	for obs := range b.observers {
		out = append(out, obs)
	}
	return out
}

func (b *inMemoryBus) take() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.queue
	b.queue = nil
	return batch
}

func (b *inMemoryBus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.wake:
			b.deliver(b.take())
		case <-b.stopChan:
			b.deliver(b.take())
			return
		}
	}
}

func (b *inMemoryBus) deliver(batch []delivery) {
	for _, d := range batch {
		if !d.sub.IsActive() {
			continue
		}
		start := time.Now()
		err := d.sub.handler(d.n)

		dur := time.Since(start).Microseconds()

		b.mu.Lock()
		observers := b.observersLocked()
		if len(observers) > 0 {
			b.metrics.Delivered++
			if err != nil {
				b.metrics.Errors++
			}
		}
		b.mu.Unlock()

		for _, obs := range observers {
			obs.OnDelivered(d.sub.id, len(d.n.Events), err, dur)
		}
	}
}

// filter narrows n to the events a subscriber of path should see
func filter(n Notification, path []string) (Notification, bool) {
	if len(path) == 0 {
		return n, len(n.Events) > 0
	}
	out := n
	out.Events = nil
	for _, e := range n.Events {
		if e.Covers(path) {
			out.Events = append(out.Events, e)
		}
	}
	return out, len(out.Events) > 0
}
