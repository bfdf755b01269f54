package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testObserver struct {
	mu             sync.Mutex
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_ string, _ int) {
	o.mu.Lock()
	o.publishCount++
	o.mu.Unlock()
}

func (o *testObserver) OnDelivered(_ string, _ int, err error, _ int64) {
	o.mu.Lock()
	o.deliveredCount++
	o.lastErr = err
	o.mu.Unlock()
}

func (o *testObserver) snapshot() (int, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.publishCount, o.deliveredCount, o.lastErr
}

// recorder collects delivered notifications
type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) handle(n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func notification(events ...Event) Notification {
	return Notification{Source: "test", At: time.Now(), Events: events}
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	done := make(chan Notification, 1)
	_, err := b.Subscribe(nil, func(n Notification) error {
		done <- n
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(notification(Event{Kind: KeyAdded, Detail: Detail{Key: "Acme"}})))

	select {
	case n := <-done:
		require.Len(t, n.Events, 1)
		assert.Equal(t, "Acme", n.Events[0].Detail.Key)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler not called")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	var acme, roadmap, other recorder
	_, err := b.Subscribe([]string{"Acme"}, acme.handle)
	require.NoError(t, err)
	_, err = b.Subscribe([]string{"Acme", "Roadmap"}, roadmap.handle)
	require.NoError(t, err)
	_, err = b.Subscribe([]string{"Globex"}, other.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(notification(
		Event{Kind: KeyAdded, Detail: Detail{Key: "Acme"}},
		Event{Path: []string{"Acme"}, Kind: KeyAdded, Detail: Detail{Key: "Roadmap"}},
		Event{Path: []string{"Acme", "Roadmap"}, Kind: ElementAdded, Detail: Detail{Content: "ship it"}},
	)))
	require.NoError(t, b.Close())

	require.Len(t, acme.notifications(), 1, "one coalesced notification per batch")
	assert.Len(t, acme.notifications()[0].Events, 3)
	require.Len(t, roadmap.notifications(), 1)
	assert.Len(t, roadmap.notifications()[0].Events, 2, "the board's own key event and its note")
	assert.Empty(t, other.notifications())
}

func TestSubscribeWithSnapshotComesFirst(t *testing.T) {
	b := New()
	var r recorder

	_, err := b.SubscribeWithSnapshot(nil, r.handle, notification(Event{Kind: KeyAdded, Detail: Detail{Key: "Acme"}}))
	require.NoError(t, err)
	require.NoError(t, b.Publish(notification(Event{Kind: KeyRemoved, Detail: Detail{Key: "Acme"}})))
	require.NoError(t, b.Close())

	got := r.notifications()
	require.Len(t, got, 2)
	assert.True(t, got[0].Initial)
	assert.False(t, got[1].Initial)
	assert.Equal(t, KeyRemoved, got[1].Events[0].Kind)
}

func TestDeliveryOrder(t *testing.T) {
	b := New()
	var r recorder
	_, err := b.Subscribe(nil, r.handle)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(notification(Event{Path: []string{"a", "b"}, Kind: ElementAdded, Detail: Detail{Index: i}})))
	}
	require.NoError(t, b.Close())

	got := r.notifications()
	require.Len(t, got, 100)
	for i, n := range got {
		assert.Equal(t, i, n.Events[0].Detail.Index)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	var r recorder
	sub, err := b.Subscribe(nil, r.handle)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))
	assert.False(t, sub.IsActive())
	require.NoError(t, b.Unsubscribe(nil))

	require.NoError(t, b.Publish(notification(Event{Kind: KeyAdded, Detail: Detail{Key: "x"}})))
	require.NoError(t, b.Close())
	assert.Empty(t, r.notifications())
	assert.ErrorIs(t, b.Publish(notification()), ErrClosed)
	_, err = b.Subscribe(nil, r.handle)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	handlerErr := errors.New("fail")
	_, err := b.Subscribe(nil, func(Notification) error { return handlerErr })
	require.NoError(t, err)

	// without observer, metrics should remain zero despite activity
	require.NoError(t, b.Publish(notification(Event{Kind: KeyAdded, Detail: Detail{Key: "x"}})))
	assert.Eventually(t, func() bool { return b.GetMetrics().Pending == 0 }, time.Second, 5*time.Millisecond)
	m := b.GetMetrics()
	assert.Zero(t, m.Published)
	assert.Zero(t, m.Delivered)
	assert.Equal(t, uint64(1), m.SubscribersActive)

	obs := &testObserver{}
	b.AddObserver(obs)
	require.NoError(t, b.Publish(notification(Event{Kind: KeyAdded, Detail: Detail{Key: "y"}})))
	require.NoError(t, b.Close())

	// the first delivery may finish after the observer was added
	m = b.GetMetrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.GreaterOrEqual(t, m.Delivered, uint64(1))
	assert.Equal(t, m.Delivered, m.Errors)
	published, delivered, lastErr := obs.snapshot()
	assert.Equal(t, 1, published)
	assert.GreaterOrEqual(t, delivered, 1)
	assert.ErrorIs(t, lastErr, handlerErr)
}
