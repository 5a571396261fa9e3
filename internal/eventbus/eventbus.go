// Package eventbus is the engine's internal pub/sub: a single bounded
// ring buffer feeding one dispatch goroutine, with priority-based
// shedding under backpressure, per-type throttling, batched parallel
// handler dispatch, and a replay buffer for post-hoc inspection.
package eventbus

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/cenkalti/peerengine/internal/logger"
)

// Priority orders an Event's importance for the shedding policy.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Event is one pub/sub message.
type Event struct {
	ID            string
	Type          string
	Timestamp     time.Time
	Priority      Priority
	Source        string
	Data          interface{}
	CorrelationID string
}

// Handler receives dispatched events; a handler's own panics/errors never
// stop the batch, they are only logged.
type Handler func(Event)

const (
	defaultQueueSize     = 10000
	defaultBatchSize     = 50
	defaultBatchWindow   = 50 * time.Millisecond
	defaultEnqueueWait   = 10 * time.Millisecond
	dropOccupancyPercent = 0.90
	replayBufferSize     = 1000
)

var defaultThrottle = map[string]time.Duration{
	"dht_node_found":       100 * time.Millisecond,
	"monitoring_heartbeat": time.Second,
	"global_metrics_update": 500 * time.Millisecond,
}

// Bus is the process-wide event dispatcher.
type Bus struct {
	queue chan Event
	cap   int
	log   logger.Logger

	subMu       sync.RWMutex
	subscribers map[string][]Handler
	wildcard    []Handler

	throttleMu   sync.Mutex
	throttle     map[string]time.Duration
	lastEmitted  map[string]time.Time
	throttledCnt int64

	statsMu sync.Mutex
	dropped int64

	replayMu sync.Mutex
	replay   []Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a Bus with the default queue size, batch size/window,
// enqueue-wait, and throttle map; Run must be called to start dispatch.
func New() *Bus {
	th := make(map[string]time.Duration, len(defaultThrottle))
	for k, v := range defaultThrottle {
		th[k] = v
	}
	return &Bus{
		queue:       make(chan Event, defaultQueueSize),
		cap:         defaultQueueSize,
		log:         logger.New("eventbus"),
		subscribers: make(map[string][]Handler),
		throttle:    th,
		lastEmitted: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Subscribe registers handler for eventType, or every event when eventType
// is "*".
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if eventType == "*" {
		b.wildcard = append(b.wildcard, h)
		return
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], h)
}

// SetThrottle overrides the minimum emission interval for eventType.
func (b *Bus) SetThrottle(eventType string, interval time.Duration) {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	b.throttle[eventType] = interval
}

func newEventID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil.String()
	}
	return id.String()
}

// Publish assigns an id/timestamp if absent and attempts non-blocking
// enqueue. Only when the queue is full (occupancy then ≥90%) are
// below-Normal-priority events dropped immediately; others fall back to a
// bounded wait before dropping.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if b.isThrottled(e.Type) {
		b.statsMu.Lock()
		b.throttledCnt++
		b.statsMu.Unlock()
		return
	}

	select {
	case b.queue <- e:
		return
	default:
	}

	occupancy := float64(len(b.queue)) / float64(b.cap)
	if e.Priority < PriorityNormal && occupancy >= dropOccupancyPercent {
		b.statsMu.Lock()
		b.dropped++
		b.statsMu.Unlock()
		return
	}

	select {
	case b.queue <- e:
	case <-time.After(defaultEnqueueWait):
		b.statsMu.Lock()
		b.dropped++
		b.statsMu.Unlock()
	}
}

func (b *Bus) isThrottled(eventType string) bool {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	interval, ok := b.throttle[eventType]
	if !ok {
		return false
	}
	last, seen := b.lastEmitted[eventType]
	now := time.Now()
	if seen && now.Sub(last) < interval {
		return true
	}
	b.lastEmitted[eventType] = now
	return false
}

// Dropped returns the cumulative count of events dropped by backpressure.
func (b *Bus) Dropped() int64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.dropped
}

// Throttled returns the cumulative count of events discarded by throttling.
func (b *Bus) Throttled() int64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.throttledCnt
}

// GetReplayEvents returns up to limit of the most recent replayed events,
// optionally filtered by eventType. Replay is purely observational: it
// never re-invokes handlers.
func (b *Bus) GetReplayEvents(eventType string, limit int) []Event {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	var out []Event
	for i := len(b.replay) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType != "" && b.replay[i].Type != eventType {
			continue
		}
		out = append(out, b.replay[i])
	}
	return out
}

func (b *Bus) recordReplay(e Event) {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	b.replay = append(b.replay, e)
	if len(b.replay) > replayBufferSize {
		b.replay = b.replay[len(b.replay)-replayBufferSize:]
	}
}

// Run is the single dispatch goroutine: assembles batches of up to
// defaultBatchSize events within defaultBatchWindow, then fires every
// matching handler in parallel. Blocks until Stop is called or ctx-like
// stopCh closes.
func (b *Bus) Run() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		batch := b.collectBatch()
		if len(batch) == 0 {
			continue
		}
		for _, e := range batch {
			b.recordReplay(e)
		}
		b.dispatchBatch(batch)
	}
}

func (b *Bus) collectBatch() []Event {
	var batch []Event
	timeout := time.NewTimer(defaultBatchWindow)
	defer timeout.Stop()
	for len(batch) < defaultBatchSize {
		select {
		case e := <-b.queue:
			batch = append(batch, e)
		case <-timeout.C:
			return batch
		case <-b.stopCh:
			return batch
		}
	}
	return batch
}

func (b *Bus) dispatchBatch(batch []Event) {
	var wg sync.WaitGroup
	for _, e := range batch {
		e := e
		handlers := b.handlersFor(e.Type)
		for _, h := range handlers {
			h := h
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.log.Errorf("event handler panic for %s: %v", e.Type, r)
					}
				}()
				h(e)
			}()
		}
	}
	wg.Wait()
}

func (b *Bus) handlersFor(eventType string) []Handler {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]Handler, 0, len(b.subscribers[eventType])+len(b.wildcard))
	out = append(out, b.subscribers[eventType]...)
	out = append(out, b.wildcard...)
	return out
}

// Stop signals Run to exit after draining its current batch.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}
