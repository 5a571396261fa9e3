package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndDispatchByType(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	var got int32
	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe("peer_connected", func(e Event) {
		atomic.AddInt32(&got, 1)
		wg.Done()
	})

	b.Publish(Event{Type: "peer_connected", Priority: PriorityNormal})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe("*", func(e Event) { wg.Done() })

	b.Publish(Event{Type: "a", Priority: PriorityNormal})
	b.Publish(Event{Type: "b", Priority: PriorityNormal})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard handler missed events")
	}
}

func TestThrottleDiscardsWithinInterval(t *testing.T) {
	b := New()
	b.SetThrottle("dht_node_found", time.Hour)

	b.Publish(Event{Type: "dht_node_found", Priority: PriorityNormal})
	b.Publish(Event{Type: "dht_node_found", Priority: PriorityNormal})

	assert.EqualValues(t, 1, b.Throttled())
}

func TestLowPriorityDroppedWhenQueueFull(t *testing.T) {
	b := New()
	b.cap = 10
	b.queue = make(chan Event, 10)
	for i := 0; i < 10; i++ {
		b.queue <- Event{Type: "filler"}
	}
	b.Publish(Event{Type: "low", Priority: PriorityLow})
	assert.EqualValues(t, 1, b.Dropped())
}

func TestGetReplayEventsFiltersByType(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	done := make(chan struct{})
	var once sync.Once
	b.Subscribe("x", func(e Event) { once.Do(func() { close(done) }) })
	b.Publish(Event{Type: "x", Priority: PriorityNormal})
	b.Publish(Event{Type: "y", Priority: PriorityNormal})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
	// give the batch loop a moment to record both events into replay
	time.Sleep(100 * time.Millisecond)

	xs := b.GetReplayEvents("x", 10)
	require.NotEmpty(t, xs)
	for _, e := range xs {
		assert.Equal(t, "x", e.Type)
	}
}

func TestEventIDAssignedWhenEmpty(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	seen := make(chan Event, 1)
	b.Subscribe("z", func(e Event) { seen <- e })
	b.Publish(Event{Type: "z", Priority: PriorityNormal})

	select {
	case e := <-seen:
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not seen")
	}
}
