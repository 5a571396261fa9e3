// Package trackerhealth owns per-tracker success/latency/recency scoring,
// a built-in fallback pool of well-known public trackers, and the
// background cleanup that evicts dead trackers. Writes are single-writer
// (the tracker orchestrator); reads are shared across sessions.
package trackerhealth

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/trackerurl"
)

// decayHalfLife is the "24h" in health_score's recency decay term.
const decayHalfLife = 24 * time.Hour

// healthyThreshold is the minimum health_score for GetHealthy to include a
// tracker.
const healthyThreshold = 0.3

// deadConsecutiveFailures forces health_score to 0.
const deadConsecutiveFailures = 3

// cleanupInterval is how often the background cleanup task runs.
const cleanupInterval = 5 * time.Minute

// fallbackStaleAfter evicts a tracker with no attempt in this long.
const fallbackStaleAfter = 48 * time.Hour

// fallbackSuccessRateFloor and fallbackNoSuccessWindow together define
// the "low quality, long unused" eviction clause.
const (
	fallbackSuccessRateFloor = 0.10
	fallbackNoSuccessWindow  = 24 * time.Hour
)

// Health is a single tracker's derived health record.
type Health struct {
	URL                 string
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int
	TotalResponseTimeS  float64
	PeersReturnedSum    int64
	LastAttempt         time.Time
	LastSuccess         time.Time
	AddedAt             time.Time
}

func (h *Health) total() int64 { return h.SuccessCount + h.FailureCount }

// SuccessRate is successes/total, 0 if no attempts yet.
func (h *Health) SuccessRate() float64 {
	if h.total() == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(h.total())
}

// AvgResponseTime is total_response_time/success_count, 0 if no successes.
func (h *Health) AvgResponseTime() float64 {
	if h.SuccessCount == 0 {
		return 0
	}
	return h.TotalResponseTimeS / float64(h.SuccessCount)
}

// Score computes health_score = 0.6*success_rate + 0.4*decay(24h, now -
// last_success), forced to 0 once consecutive_failures >= 3 ("dead").
func (h *Health) Score(now time.Time) float64 {
	if h.ConsecutiveFailures >= deadConsecutiveFailures {
		return 0
	}
	recency := 0.0
	if !h.LastSuccess.IsZero() {
		elapsed := now.Sub(h.LastSuccess)
		recency = math.Exp(-elapsed.Seconds() / decayHalfLife.Seconds())
	}
	return 0.6*h.SuccessRate() + 0.4*recency
}

// builtinFallbackTrackers is the ~15-tracker pool used when a torrent has
// no other HTTP tracker and strict-private mode is off.
var builtinFallbackTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
	"udp://explodie.org:6969/announce",
	"udp://tracker.dler.org:6969/announce",
	"udp://tracker.internetwarriors.net:1337/announce",
	"http://tracker.openbittorrent.com:80/announce",
	"http://tracker.opentrackr.org:1337/announce",
	"https://tracker.nanoha.org:443/announce",
	"udp://9.rarbg.me:2810/announce",
	"udp://tracker.moeking.me:6969/announce",
	"udp://retracker.lanta-net.ru:2710/announce",
}

// Manager owns a map from tracker URL to Health, plus the fallback pool.
type Manager struct {
	mu       sync.RWMutex
	health   map[string]*Health
	fallback []string

	log logger.Logger
}

// New returns a Manager seeded with the built-in fallback pool.
func New() *Manager {
	fb := make([]string, len(builtinFallbackTrackers))
	copy(fb, builtinFallbackTrackers)
	return &Manager{
		health:   make(map[string]*Health),
		fallback: fb,
		log:      logger.New("trackerhealth"),
	}
}

// RecordResult updates counters for url: success resets
// consecutive_failures, failure increments it. The record is created on
// first announce attempt if absent.
func (m *Manager) RecordResult(url string, success bool, responseTime time.Duration, peersReturned int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[url]
	if !ok {
		h = &Health{URL: url, AddedAt: time.Now()}
		m.health[url] = h
	}
	now := time.Now()
	h.LastAttempt = now
	if success {
		h.SuccessCount++
		h.ConsecutiveFailures = 0
		h.LastSuccess = now
		h.TotalResponseTimeS += responseTime.Seconds()
		h.PeersReturnedSum += int64(peersReturned)
	} else {
		h.FailureCount++
		h.ConsecutiveFailures++
	}
}

// GetHealthy returns trackers with health_score > 0.3, sorted descending,
// excluding any URL in exclude.
func (m *Manager) GetHealthy(exclude map[string]struct{}) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	type scored struct {
		url   string
		score float64
	}
	var candidates []scored
	for url, h := range m.health {
		if _, skip := exclude[url]; skip {
			continue
		}
		if s := h.Score(now); s > healthyThreshold {
			candidates = append(candidates, scored{url, s})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.url
	}
	return out
}

// GetFallback returns up to 10 trackers from the built-in pool not
// already present in exclude.
func (m *Manager) GetFallback(exclude map[string]struct{}) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, url := range m.fallback {
		if _, skip := exclude[url]; skip {
			continue
		}
		out = append(out, url)
		if len(out) == 10 {
			break
		}
	}
	return out
}

// AddDiscovered validates scheme and registers a tracker URL discovered
// via BEP 12 fields in a tracker response body.
func (m *Manager) AddDiscovered(rawURL string) error {
	normalized, err := trackerurl.Normalize(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.health[normalized]; !ok {
		m.health[normalized] = &Health{URL: normalized, AddedAt: time.Now()}
	}
	return nil
}

// Get returns a copy of the health record for url, or nil if unknown.
func (m *Manager) Get(url string) *Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[url]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// shouldEvict implements the cleanup predicate: consecutive_failures >= 3,
// OR (success_rate < 10% AND no success in 24h), OR no attempt in 48h.
func shouldEvict(h *Health, now time.Time) bool {
	if h.ConsecutiveFailures >= deadConsecutiveFailures {
		return true
	}
	if h.SuccessRate() < fallbackSuccessRateFloor && now.Sub(h.LastSuccess) > fallbackNoSuccessWindow {
		return true
	}
	if now.Sub(h.LastAttempt) > fallbackStaleAfter {
		return true
	}
	return false
}

// cleanup evicts trackers matching shouldEvict, run every 5 minutes by
// RunCleanupLoop.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for url, h := range m.health {
		if h.total() == 0 {
			continue
		}
		if shouldEvict(h, now) {
			delete(m.health, url)
			m.log.Debugf("evicted unhealthy tracker %s", url)
		}
	}
}

// RunCleanupLoop runs the eviction sweep every 5 minutes until ctx is
// canceled. Each wait selects on ctx as well as the ticker, so
// cancellation is prompt.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-ctx.Done():
			return
		}
	}
}
