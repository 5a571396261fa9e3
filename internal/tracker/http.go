package tracker

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/peerengine/bencode"
	"github.com/cenkalti/peerengine/internal/coreerror"
	"github.com/cenkalti/peerengine/internal/logger"
)

// HTTPTrackerClient is the process-wide pooled HTTP client used for every
// HTTP(S) tracker announce. One instance is shared by every HTTPTracker so
// connections are reused across announces to the same host.
type HTTPTrackerClient struct {
	client      *http.Client
	dns         *dnsCache
	hostMetrics *hostMetricsRegistry
	userAgent   string
	log         logger.Logger
}

// NewHTTPTrackerClient builds the shared pooled client: explicit
// connection limit, per-host limit, keepalive timeout, and a DNS cache
// with the given TTL.
func NewHTTPTrackerClient(maxConnsTotal, maxConnsPerHost int, keepAlive, dnsTTL, requestTimeout time.Duration, userAgent string) *HTTPTrackerClient {
	dns := newDNSCache(dnsTTL)
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: keepAlive}
	transport := &http.Transport{
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConns:        maxConnsTotal,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     keepAlive,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err == nil {
				if addrs, dnsErr := dns.lookup(ctx, host); dnsErr == nil && len(addrs) > 0 {
					addr = net.JoinHostPort(addrs[0], port)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &HTTPTrackerClient{
		client:      &http.Client{Transport: transport, Timeout: requestTimeout},
		dns:         dns,
		hostMetrics: newHostMetricsRegistry(),
		userAgent:   userAgent,
		log:         logger.New("tracker-http"),
	}
}

// HostMetrics returns the metrics record for the given tracker host,
// creating it on first access.
func (c *HTTPTrackerClient) HostMetrics(host string) *HostMetrics {
	return c.hostMetrics.get(host)
}

// HTTPTracker announces to a single HTTP(S) tracker URL using a shared
// HTTPTrackerClient.
type HTTPTracker struct {
	rawURL string
	client *HTTPTrackerClient
}

// NewHTTPTracker returns a Tracker for the given normalized HTTP(S) URL,
// backed by the shared client.
func NewHTTPTracker(normalizedURL string, client *HTTPTrackerClient) *HTTPTracker {
	return &HTTPTracker{rawURL: normalizedURL, client: client}
}

func (t *HTTPTracker) URL() string { return t.rawURL }

func (t *HTTPTracker) SupportsScrape() bool { return true }

// Announce validates its inputs, builds the query string with manually
// percent-encoded binary parameters (avoiding double-encoding by generic
// URL encoders), sends the GET, and parses the response.
func (t *HTTPTracker) Announce(ctx context.Context, p AnnounceParams) (*Response, error) {
	if err := validateAnnounceParams(p); err != nil {
		return nil, err
	}

	left := p.Left
	// Magnet without metadata: total_length == 0. Sending left=0 signals
	// "completed" to trackers and suppresses peer returns; sending
	// math.MaxInt64 confuses some trackers. 1 TiB is the safe sentinel.
	if left == 0 && p.Event != EventCompleted {
		left = OneTiBLeft
	}

	numWant := p.NumWant
	if numWant == 0 {
		numWant = 200
	}

	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, coreerror.Malformed("invalid tracker url", []byte(t.rawURL))
	}

	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteString("://")
	sb.WriteString(u.Host)
	sb.WriteString(u.Path)
	if u.RawQuery != "" {
		sb.WriteString("?")
		sb.WriteString(u.RawQuery)
		sb.WriteString("&")
	} else {
		sb.WriteString("?")
	}
	sb.WriteString("info_hash=")
	sb.WriteString(percentEncodeBinary(p.InfoHash[:]))
	sb.WriteString("&peer_id=")
	sb.WriteString(percentEncodeBinary(p.PeerID[:]))
	fmt.Fprintf(&sb, "&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=1&numwant=%d",
		p.Port, p.Uploaded, p.Downloaded, left, numWant)
	if p.Event != EventNone {
		sb.WriteString("&event=")
		sb.WriteString(string(p.Event))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sb.String(), nil)
	if err != nil {
		return nil, coreerror.New(coreerror.Transient, "cannot build tracker request", err)
	}
	if t.client.userAgent != "" {
		req.Header.Set("User-Agent", t.client.userAgent)
	}

	host := u.Hostname()
	hm := t.client.HostMetrics(host)
	dnsStart := time.Now()
	_, _ = t.client.dns.lookup(ctx, host)
	hm.mu.Lock()
	hm.CumulativeDNSNS += int64(time.Since(dnsStart))
	hm.mu.Unlock()
	var reused bool
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) { reused = info.Reused },
	}))
	start := time.Now()
	resp, err := t.client.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		hm.recordRequest(elapsed, reused, 0, true)
		return nil, categorizeTransportError(u, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to body parsing
	case http.StatusProxyAuthRequired:
		hm.recordRequest(elapsed, reused, 0, true)
		return nil, coreerror.ErrProxyAuthRequired
	default:
		hm.recordRequest(elapsed, reused, 0, true)
		return nil, coreerror.New(coreerror.Transient, fmt.Sprintf("tracker %s returned HTTP %d", host, resp.StatusCode), nil)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		hm.recordRequest(elapsed, reused, 0, true)
		return nil, coreerror.New(coreerror.Transient, "cannot read tracker response body", err)
	}

	r, err := ParseAnnounceResponse(body)
	if err != nil {
		hm.recordRequest(elapsed, reused, 0, true)
		return nil, err
	}
	hm.recordRequest(elapsed, reused, 0, false)
	return r, nil
}

// validateAnnounceParams enforces §4.3's boundary checks.
func validateAnnounceParams(p AnnounceParams) error {
	if len(p.InfoHash) != 20 {
		return coreerror.New(coreerror.InvariantViolation, "infohash must be 20 bytes", nil)
	}
	if len(p.PeerID) != 20 {
		return coreerror.New(coreerror.InvariantViolation, "peer_id must be 20 bytes", nil)
	}
	if p.Port < 1 || p.Port > 65535 {
		return coreerror.New(coreerror.InvariantViolation, fmt.Sprintf("port %d out of range", p.Port), nil)
	}
	return nil
}

// percentEncodeBinary percent-encodes every byte of binary data,
// producing %XX for all bytes except unreserved ASCII alphanumerics.
// This sidesteps generic URL encoders, which may double-encode already
// percent-escaped bytes found in raw info-hash/peer-id data.
func percentEncodeBinary(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	for _, c := range b {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0xf])
	}
	return sb.String()
}

// categorizeTransportError distinguishes TLS failures from plain
// connect/timeout failures, including the scheme and host so the
// distinction between e.g. "HTTP tracker unreachable" and "invalid URL"
// survives into the error message.
func categorizeTransportError(u *url.URL, err error) error {
	if isTLSError(err) {
		return coreerror.ErrSslHandshake
	}
	return coreerror.New(coreerror.Transient,
		fmt.Sprintf("%s tracker unreachable: %s", u.Scheme, u.Host), err)
}

func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "tls:") || strings.Contains(s, "x509:") || strings.Contains(s, "certificate")
}

// ParseAnnounceResponse parses a tracker's bencoded announce response
// body. It requires interval and peers, supports both compact and
// dictionary peer shapes, silently drops invalid peer entries, and
// surfaces a structured failure reason as a TrackerFailureError.
func ParseAnnounceResponse(body []byte) (*Response, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, coreerror.Malformed("tracker response is not valid bencode", body)
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, coreerror.Malformed("tracker response is not a dict", body)
	}

	if reason, ok := d["failure reason"].([]byte); ok {
		return nil, &coreerror.TrackerFailureError{Reason: string(reason)}
	}

	intervalRaw, ok := d["interval"].(int64)
	if !ok {
		return nil, coreerror.Malformed("tracker response missing interval", body)
	}

	r := &Response{IntervalSeconds: int(intervalRaw)}

	if minRaw, ok := d["min interval"].(int64); ok {
		r.MinIntervalSeconds = int(minRaw)
	}
	if tidRaw, ok := d["tracker id"].([]byte); ok {
		r.TrackerID = string(tidRaw)
	}
	if cRaw, ok := d["complete"].(int64); ok {
		r.Complete = int(cRaw)
	}
	if iRaw, ok := d["incomplete"].(int64); ok {
		r.Incomplete = int(iRaw)
	}
	if wRaw, ok := d["warning message"].([]byte); ok {
		r.WarningMessage = string(wRaw)
	}

	switch peersVal := d["peers"].(type) {
	case nil:
		return nil, coreerror.Malformed("tracker response missing peers", body)
	case []byte:
		peers, err := decodeCompactPeers(peersVal, false)
		if err != nil {
			return nil, err
		}
		r.Peers = peers
	case bencode.List:
		r.Peers = decodeDictionaryPeers(peersVal)
	default:
		return nil, coreerror.Malformed("tracker response has unrecognized peers shape", body)
	}

	if peers6, ok := d["peers6"].([]byte); ok {
		more, err := decodeCompactPeers(peers6, true)
		if err == nil {
			r.Peers = append(r.Peers, more...)
		}
	}

	r.DiscoveredTrackers = extractDiscoveredTrackers(d)

	return r, nil
}

// extractDiscoveredTrackers pulls BEP 12 "announce" / "announce-list"
// fields out of a tracker response body so the caller can hand each
// discovered URL to the tracker health manager.
func extractDiscoveredTrackers(d bencode.Dict) []string {
	var out []string
	if a, ok := d["announce"].([]byte); ok {
		out = append(out, string(a))
	}
	if al, ok := d["announce-list"].(bencode.List); ok {
		for _, tierVal := range al {
			tier, ok := tierVal.(bencode.List)
			if !ok {
				continue
			}
			for _, urlVal := range tier {
				if b, ok := urlVal.([]byte); ok {
					out = append(out, string(b))
				}
			}
		}
	}
	return out
}

// announceURLToScrapeURL converts an announce URL to its scrape URL by
// replacing the trailing "/announce" path segment with "/scrape", or
// appending "/scrape" if the pattern doesn't match.
func announceURLToScrapeURL(announce string) string {
	const suffix = "/announce"
	idx := strings.LastIndex(announce, suffix)
	if idx >= 0 && idx+len(suffix) == len(announce) {
		return announce[:idx] + "/scrape"
	}
	if strings.HasSuffix(announce, "/") {
		return announce + "scrape"
	}
	return announce + "/scrape"
}

// Scrape is best-effort: any error yields an empty result.
func (t *HTTPTracker) Scrape(ctx context.Context, infoHash [20]byte) (*ScrapeResult, error) {
	scrapeURL := announceURLToScrapeURL(t.rawURL)
	full := scrapeURL + "?info_hash=" + percentEncodeBinary(infoHash[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return &ScrapeResult{}, nil
	}
	resp, err := t.client.client.Do(req)
	if err != nil {
		return &ScrapeResult{}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ScrapeResult{}, nil
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return &ScrapeResult{}, nil
	}
	v, err := bencode.Decode(body)
	if err != nil {
		return &ScrapeResult{}, nil
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return &ScrapeResult{}, nil
	}
	filesVal, ok := d["files"].(bencode.Dict)
	if !ok {
		return &ScrapeResult{}, nil
	}
	entry, ok := filesVal[string(infoHash[:])].(bencode.Dict)
	if !ok {
		return &ScrapeResult{}, nil
	}
	res := &ScrapeResult{}
	if c, ok := entry["complete"].(int64); ok {
		res.Seeders = int(c)
	}
	if in, ok := entry["incomplete"].(int64); ok {
		res.Leechers = int(in)
	}
	if d2, ok := entry["downloaded"].(int64); ok {
		res.Completed = int(d2)
	}
	return res, nil
}
