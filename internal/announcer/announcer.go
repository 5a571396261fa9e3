// Package announcer fans out announces to every tracker known for a
// torrent, aggregates peers, and runs the periodic announce loop with
// adaptive intervals and jittered exponential backoff.
package announcer

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cenkalti/peerengine/internal/coreerror"
	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/trackerhealth"
	"github.com/cenkalti/peerengine/internal/trackerurl"
	"github.com/cenkalti/peerengine/internal/tracker"
)

// ConnectionStatus mirrors a torrent's tracker_connection_status.
type ConnectionStatus int

const (
	StatusIdle ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

const (
	backoffBase           = 1 * time.Second
	backoffMax            = 300 * time.Second
	networkBackoffMin     = 30 * time.Second
	networkBackoffMax     = 300 * time.Second
	otherBackoffMin       = 60 * time.Second
	otherBackoffMax       = 300 * time.Second
	defaultIntervalS      = 1800
	performanceWindowSize = 10
)

// Performance is a (torrent, tracker) pair's sliding-window quality score.
type Performance struct {
	mu            sync.Mutex
	responseTimes []time.Duration
	successes     int64
	failures      int64
	lastSuccess   time.Time
	peersQuality  float64 // blended min(peers/50, 1) per success, in [0, 1]
}

func (p *Performance) recordSuccess(rt time.Duration, peersReturned int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
	p.lastSuccess = time.Now()
	p.responseTimes = append(p.responseTimes, rt)
	if len(p.responseTimes) > performanceWindowSize {
		p.responseTimes = p.responseTimes[len(p.responseTimes)-performanceWindowSize:]
	}
	// Exponential moving blend keeps peersQuality bounded without a
	// second window buffer.
	quality := math.Min(float64(peersReturned)/50.0, 1.0)
	p.peersQuality = p.peersQuality*0.8 + quality*0.2
}

func (p *Performance) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
}

// score computes performance_score = 0.4*success_rate + 0.3*response_score +
// 0.2*peer_quality + 0.1*recency.
func (p *Performance) score(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.successes + p.failures
	successRate := 0.0
	if total > 0 {
		successRate = float64(p.successes) / float64(total)
	}
	responseScore := 0.0
	if len(p.responseTimes) > 0 {
		var sum time.Duration
		for _, rt := range p.responseTimes {
			sum += rt
		}
		avg := sum / time.Duration(len(p.responseTimes))
		// Faster than 1s scores near 1.0, slower than 10s scores near 0.
		responseScore = math.Max(0, math.Min(1, 1-float64(avg)/float64(10*time.Second)))
	}
	recency := 0.0
	if !p.lastSuccess.IsZero() {
		elapsed := now.Sub(p.lastSuccess)
		recency = math.Exp(-elapsed.Seconds() / (24 * 3600))
	}
	return 0.4*successRate + 0.3*responseScore + 0.2*p.peersQuality + 0.1*recency
}

// Session is per-(torrent, tracker) announce state.
type Session struct {
	TrackerURL       string
	Tracker          tracker.Tracker
	IntervalS        int
	MinIntervalS     int
	TrackerID        string
	FailureCount     int
	LastAnnounceTS   time.Time
	LastFailureTS    time.Time
	BackoffDelayS    float64
	Performance      Performance
}

// nextInterval implements the adaptive announce interval of spec.md's
// tracker orchestrator: base * performance_multiplier * peer_multiplier,
// clamped and never below the tracker's own minimum.
func (s *Session) nextInterval(currentPeerCount int) time.Duration {
	base := float64(s.IntervalS)
	if base <= 0 {
		base = defaultIntervalS
	}
	score := s.Performance.score(time.Now())
	perfMul := 1.0
	switch {
	case score >= 0.8:
		perfMul = 1.5
	case score < 0.5:
		perfMul = 0.5
	}
	peerMul := 1.0
	switch {
	case currentPeerCount >= 50:
		peerMul = 1.3
	case currentPeerCount < 10:
		peerMul = 0.7
	}
	interval := base * perfMul * peerMul
	const minS, maxS = 60.0, 3600.0
	if interval < minS {
		interval = minS
	}
	if interval > maxS {
		interval = maxS
	}
	if s.MinIntervalS > 0 && interval < float64(s.MinIntervalS) {
		interval = float64(s.MinIntervalS)
	}
	return time.Duration(interval) * time.Second
}

// Result is one tracker's outcome from a fan-out announce.
type Result struct {
	TrackerURL string
	Response   *tracker.Response
	Err        error
	Elapsed    time.Duration
}

// Aggregate is the merged outcome of announce_initial or one announce_loop
// iteration across every tracker for a torrent.
type Aggregate struct {
	Peers      []tracker.PeerEndpoint
	AnySuccess bool
	Results    []Result
}

// Orchestrator fans out announces for many torrents, tracking one Session
// per (torrent, tracker) pair and updating the shared health manager.
type Orchestrator struct {
	health *trackerhealth.Manager
	log    logger.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*Session // infoHashHex -> trackerURL -> Session
}

// New returns an Orchestrator backed by health.
func New(health *trackerhealth.Manager) *Orchestrator {
	return &Orchestrator{
		health:   health,
		log:      logger.New("announcer"),
		sessions: make(map[string]map[string]*Session),
	}
}

func infoHashHex(ih [20]byte) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 40)
	for i, b := range ih {
		buf[i*2] = hex[b>>4]
		buf[i*2+1] = hex[b&0xf]
	}
	return string(buf)
}

// sessionFor returns (creating if absent) the Session for (infoHash, url).
func (o *Orchestrator) sessionFor(infoHash [20]byte, url string, t tracker.Tracker) *Session {
	key := infoHashHex(infoHash)
	o.mu.Lock()
	defer o.mu.Unlock()
	byURL, ok := o.sessions[key]
	if !ok {
		byURL = make(map[string]*Session)
		o.sessions[key] = byURL
	}
	s, ok := byURL[url]
	if !ok {
		s = &Session{TrackerURL: url, Tracker: t, IntervalS: defaultIntervalS}
		byURL[url] = s
	}
	return s
}

// CollectURLs merges tracker URLs from BEP 12 tiers, magnet trackers, the
// single announce field, known-healthy trackers, and — only if no HTTP
// tracker survives and strictPrivate is off — the fallback pool. Dedup
// preserves first-seen order.
func CollectURLs(tiers [][]string, announce string, magnetTrackers []string, health *trackerhealth.Manager, strictPrivate bool) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		normalized, err := trackerurl.Normalize(raw)
		if err != nil {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	for _, tier := range tiers {
		for _, u := range tier {
			add(u)
		}
	}
	for _, u := range magnetTrackers {
		add(u)
	}
	if announce != "" {
		add(announce)
	}
	for _, u := range health.GetHealthy(nil) {
		add(u)
	}
	hasHTTP := false
	for _, u := range out {
		if len(u) >= 4 && (u[:4] == "http") {
			hasHTTP = true
			break
		}
	}
	if !hasHTTP && !strictPrivate {
		exclude := make(map[string]struct{}, len(seen))
		for u := range seen {
			exclude[u] = struct{}{}
		}
		for _, u := range health.GetFallback(exclude) {
			add(u)
		}
	}
	return out
}

// Fanout issues one announce per URL in urls concurrently via makeTracker,
// aggregating peers from every successful response and reporting every
// result (success or failure) for caller-side bookkeeping. A per-tracker
// failure never aborts the fan-out. A udp:// tracker that fails entirely
// falls back to its rewritten http:// URL within the same slot (§4.4/§4.6).
func (o *Orchestrator) Fanout(ctx context.Context, infoHash [20]byte, urls []string, params tracker.AnnounceParams, makeTracker func(url string) (tracker.Tracker, error)) *Aggregate {
	results := make([]Result, len(urls))
	var mu sync.Mutex
	var peers []tracker.PeerEndpoint
	anySuccess := false

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			result, resultPeers, success := o.announceOne(gctx, infoHash, url, params, makeTracker)
			results[i] = result
			if success {
				mu.Lock()
				peers = append(peers, resultPeers...)
				anySuccess = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return &Aggregate{Peers: peers, AnySuccess: anySuccess, Results: results}
}

// announceOne runs tryAnnounce against url, and, if a udp:// announce fails
// entirely, retries once more against FallbackHTTPURL(url) before giving up.
func (o *Orchestrator) announceOne(ctx context.Context, infoHash [20]byte, url string, params tracker.AnnounceParams, makeTracker func(url string) (tracker.Tracker, error)) (Result, []tracker.PeerEndpoint, bool) {
	result, peers, success := o.tryAnnounce(ctx, infoHash, url, params, makeTracker)
	if success || !strings.HasPrefix(url, "udp://") {
		return result, peers, success
	}
	fallbackURL := tracker.FallbackHTTPURL(url)
	o.log.Debugf("udp tracker %s failed entirely, falling back to %s", url, fallbackURL)
	return o.tryAnnounce(ctx, infoHash, fallbackURL, params, makeTracker)
}

// tryAnnounce constructs a Tracker for url, issues one announce, and records
// health/performance bookkeeping for it. An HTTP 407 (ErrProxyAuthRequired)
// is surfaced without touching health or performance counters, per §8's
// boundary property. A udp:// ConnectRetriesExhausted failure records one
// health failure per exhausted connect attempt, since that many requests
// actually went unanswered on the wire.
func (o *Orchestrator) tryAnnounce(ctx context.Context, infoHash [20]byte, url string, params tracker.AnnounceParams, makeTracker func(url string) (tracker.Tracker, error)) (Result, []tracker.PeerEndpoint, bool) {
	t, err := makeTracker(url)
	if err != nil {
		return Result{TrackerURL: url, Err: err}, nil, false
	}
	sess := o.sessionFor(infoHash, url, t)
	start := time.Now()
	resp, err := t.Announce(ctx, params)
	elapsed := time.Since(start)
	result := Result{TrackerURL: url, Response: resp, Err: err, Elapsed: elapsed}

	if err != nil {
		if errors.Is(err, coreerror.ErrProxyAuthRequired) {
			o.log.Debugf("announce to %s failed: %v", url, err)
			return result, nil, false
		}
		var exhausted *tracker.ConnectRetriesExhausted
		if errors.As(err, &exhausted) {
			for i := 0; i < exhausted.Attempts; i++ {
				o.health.RecordResult(url, false, 0, 0)
			}
		} else {
			o.health.RecordResult(url, false, 0, 0)
		}
		sess.Performance.recordFailure()
		sess.FailureCount++
		sess.LastFailureTS = time.Now()
		o.log.Debugf("announce to %s failed: %v", url, err)
		return result, nil, false
	}

	o.health.RecordResult(url, true, elapsed, len(resp.Peers))
	sess.Performance.recordSuccess(elapsed, len(resp.Peers))
	sess.FailureCount = 0
	sess.LastAnnounceTS = time.Now()
	if resp.IntervalSeconds > 0 {
		sess.IntervalS = resp.IntervalSeconds
	}
	if resp.MinIntervalSeconds > 0 {
		sess.MinIntervalS = resp.MinIntervalSeconds
	}
	if resp.TrackerID != "" {
		sess.TrackerID = resp.TrackerID
	}
	for _, discovered := range resp.DiscoveredTrackers {
		_ = o.health.AddDiscovered(discovered)
	}
	return result, resp.Peers, true
}

// AnnounceInitial is the one-shot fire-and-forget announce run when a
// torrent first starts: event=started against every collected URL.
func (o *Orchestrator) AnnounceInitial(ctx context.Context, infoHash [20]byte, urls []string, params tracker.AnnounceParams, makeTracker func(url string) (tracker.Tracker, error)) *Aggregate {
	params.Event = tracker.EventStarted
	return o.Fanout(ctx, infoHash, urls, params, makeTracker)
}

// backoffDelay implements the announce loop's failure backoff: exponential
// growth with jitter, clamped to the tighter [30s, 300s] bound for
// transient network failures or the looser [60s, 300s] bound otherwise.
// A fresh ExponentialBackOff is walked forward `failures` steps rather
// than kept as loop state, since AnnounceLoop already tracks
// consecutiveFailures itself and resets it to 0 on success.
func backoffDelay(failures int, classNetwork bool) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	minDelay, maxDelay := otherBackoffMin, backoffMax
	if classNetwork {
		minDelay, maxDelay = networkBackoffMin, networkBackoffMax
	}
	b.MaxInterval = maxDelay

	var delay time.Duration
	for i := 0; i <= failures; i++ {
		delay = b.NextBackOff()
	}
	if delay < minDelay {
		delay = minDelay
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// LoopCallbacks lets the session package observe announce_loop's effects
// without the announcer importing the session package.
type LoopCallbacks struct {
	// URLs returns the current tracker URL set for this iteration.
	URLs func() []string
	// Params returns the AnnounceParams to send this iteration (uses an
	// externally-mapped port if a NAT mapping exists).
	Params func() tracker.AnnounceParams
	// MakeTracker constructs (or reuses) a Tracker for url.
	MakeTracker func(url string) (tracker.Tracker, error)
	// PeerCount reports the torrent's current active peer count, used
	// by the adaptive-interval peer_multiplier.
	PeerCount func() int
	// OnStatus is called whenever tracker_connection_status changes.
	OnStatus func(status ConnectionStatus, err error)
	// OnPeers is called with the aggregated peer set on every successful
	// iteration, forwarding to the session's peer-connection path.
	OnPeers func(peers []tracker.PeerEndpoint)
}

// AnnounceLoop runs announce_loop(torrent) until ctx is canceled: regular
// (event="") announces, tracker_connection_status transitions, and
// adaptive-interval or backoff sleeps between iterations.
func (o *Orchestrator) AnnounceLoop(ctx context.Context, infoHash [20]byte, cb LoopCallbacks) {
	consecutiveFailures := 0
	for {
		urls := cb.URLs()
		params := cb.Params()
		params.Event = tracker.EventNone

		if cb.OnStatus != nil {
			cb.OnStatus(StatusConnecting, nil)
		}
		agg := o.Fanout(ctx, infoHash, urls, params, cb.MakeTracker)

		var sleep time.Duration
		if !agg.AnySuccess {
			consecutiveFailures++
			classNetwork := isNetworkClassFailure(agg)
			sleep = backoffDelay(consecutiveFailures, classNetwork)
			var lastErr error
			for _, r := range agg.Results {
				if r.Err != nil {
					lastErr = r.Err
				}
			}
			if cb.OnStatus != nil {
				cb.OnStatus(StatusError, lastErr)
			}
		} else {
			consecutiveFailures = 0
			if cb.OnStatus != nil {
				cb.OnStatus(StatusConnected, nil)
			}
			if cb.OnPeers != nil {
				cb.OnPeers(agg.Peers)
			}
			peerCount := 0
			if cb.PeerCount != nil {
				peerCount = cb.PeerCount()
			}
			sleep = o.representativeInterval(infoHash, urls, peerCount)
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// representativeInterval picks the shortest nextInterval across the
// torrent's known tracker sessions, so a fast, healthy tracker is not
// throttled by a slow one's own interval.
func (o *Orchestrator) representativeInterval(infoHash [20]byte, urls []string, peerCount int) time.Duration {
	key := infoHashHex(infoHash)
	o.mu.Lock()
	byURL := o.sessions[key]
	best := time.Duration(defaultIntervalS) * time.Second
	first := true
	for _, url := range urls {
		s, ok := byURL[url]
		if !ok {
			continue
		}
		d := s.nextInterval(peerCount)
		if first || d < best {
			best = d
			first = false
		}
	}
	o.mu.Unlock()
	return best
}

// isNetworkClassFailure reports whether every failure this iteration was a
// transient network error (coreerror.Transient), which gets the tighter
// [30s, 300s] backoff bound; any other category falls back to [60s, 300s].
func isNetworkClassFailure(agg *Aggregate) bool {
	sawFailure := false
	for _, r := range agg.Results {
		if r.Err == nil {
			continue
		}
		sawFailure = true
		cat, ok := coreerror.CategoryOf(r.Err)
		if !ok || cat != coreerror.Transient {
			return false
		}
	}
	return sawFailure
}
