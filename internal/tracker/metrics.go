package tracker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// dnsCacheEntry caches a resolved host for the owning dnsCache's ttl.
type dnsCacheEntry struct {
	addrs     []string
	resolved  time.Time
}

// dnsCache is a per-client-instance cache of resolved hosts with a TTL,
// avoiding a fresh lookup on every announce to the same tracker host.
type dnsCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]dnsCacheEntry
}

func newDNSCache(ttl time.Duration) *dnsCache {
	return &dnsCache{ttl: ttl, cache: make(map[string]dnsCacheEntry)}
}

func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	c.mu.Lock()
	entry, ok := c.cache[host]
	c.mu.Unlock()
	if ok && time.Since(entry.resolved) < c.ttl {
		return entry.addrs, nil
	}
	var resolver net.Resolver
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[host] = dnsCacheEntry{addrs: addrs, resolved: time.Now()}
	c.mu.Unlock()
	return addrs, nil
}

// HostMetrics is the per-tracker-host metrics record: total requests,
// cumulative request/DNS time, reused-connection count, and error count.
// Request-time is additionally tracked as a decayed EWMA so
// avg_response_time reflects recent behavior rather than a lifetime mean.
type HostMetrics struct {
	mu sync.Mutex

	TotalRequests       int64
	CumulativeRequestNS int64
	CumulativeDNSNS     int64
	ReusedConnCount     int64
	ErrorCount          int64

	responseTimeEWMA metrics.EWMA
}

func newHostMetrics() *HostMetrics {
	return &HostMetrics{responseTimeEWMA: metrics.NewEWMA1()}
}

func (h *HostMetrics) recordRequest(d time.Duration, reused bool, dns time.Duration, errored bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.TotalRequests++
	h.CumulativeRequestNS += int64(d)
	h.CumulativeDNSNS += int64(dns)
	if reused {
		h.ReusedConnCount++
	}
	if errored {
		h.ErrorCount++
	}
	h.responseTimeEWMA.Update(d.Nanoseconds())
	h.responseTimeEWMA.Tick()
}

// AvgResponseTimeEWMA returns the decayed mean response time in seconds.
// The EWMA's Rate is per second over its fixed 5s tick, so one Update per
// Tick reads back as a fifth of the value; the factor 5 undoes that.
func (h *HostMetrics) AvgResponseTimeEWMA() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseTimeEWMA.Rate() * 5 / 1e9
}

// hostMetricsRegistry keeps one HostMetrics per tracker host, shared
// across all announces from a single HTTPTrackerClient.
type hostMetricsRegistry struct {
	mu sync.Mutex
	m  map[string]*HostMetrics
}

func newHostMetricsRegistry() *hostMetricsRegistry {
	return &hostMetricsRegistry{m: make(map[string]*HostMetrics)}
}

func (r *hostMetricsRegistry) get(host string) *HostMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	hm, ok := r.m[host]
	if !ok {
		hm = newHostMetrics()
		r.m[host] = hm
	}
	return hm
}
