package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/peerengine/internal/coreerror"
	"github.com/cenkalti/peerengine/internal/logger"
)

// udpProtocolID is the magic constant BEP 15 connect requests carry.
const udpProtocolID uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

// connectionIDLifetime is how long a BEP 15 connection_id remains valid.
const connectionIDLifetime = 2 * time.Minute

// UDPSocket is the process-singleton UDP socket every UDPTracker shares.
// It is bound once during startup and never recreated: some platforms'
// socket APIs refuse rebinding cleanly, and the design treats this as a
// hard invariant — if the socket becomes invalid, the process must be
// restarted rather than attempt a live rebind.
type UDPSocket struct {
	conn *net.UDPConn
	log  logger.Logger

	mu      sync.Mutex
	waiters map[uint32]chan []byte
}

// NewUDPSocket binds a UDP socket on the given local port once for the
// lifetime of the process.
func NewUDPSocket(localPort uint16) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(localPort)})
	if err != nil {
		return nil, coreerror.New(coreerror.SubsystemMissing, "cannot bind udp tracker socket", err)
	}
	s := &UDPSocket{
		conn:    conn,
		log:     logger.New("tracker-udp-socket"),
		waiters: make(map[uint32]chan []byte),
	}
	go s.readLoop()
	return s, nil
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed or otherwise invalid: never attempt to
			// recreate it here, the process must restart.
			return
		}
		if n < 4 {
			continue
		}
		txID := binary.BigEndian.Uint32(buf[4:8])
		s.mu.Lock()
		ch, ok := s.waiters[txID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case ch <- data:
		default:
		}
	}
}

func (s *UDPSocket) roundTrip(ctx context.Context, addr *net.UDPAddr, req []byte, txID uint32) ([]byte, error) {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.waiters[txID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, txID)
		s.mu.Unlock()
	}()

	if _, err := s.conn.WriteToUDP(req, addr); err != nil {
		return nil, err
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UDPTracker announces to a single BEP 15 UDP tracker, sharing the
// process-singleton UDPSocket.
type UDPTracker struct {
	rawURL string
	socket *UDPSocket
	key    uint32

	mu           sync.Mutex
	connectionID uint64
	connectedAt  time.Time
}

// NewUDPTracker returns a Tracker for the given normalized UDP URL.
func NewUDPTracker(normalizedURL string, socket *UDPSocket) *UDPTracker {
	return &UDPTracker{rawURL: normalizedURL, socket: socket, key: rand.Uint32()}
}

func (t *UDPTracker) URL() string            { return t.rawURL }
func (t *UDPTracker) SupportsScrape() bool    { return false }
func (t *UDPTracker) Scrape(context.Context, [20]byte) (*ScrapeResult, error) {
	return &ScrapeResult{}, nil
}

func hostPort(rawURL string) (string, error) {
	u := strings.TrimPrefix(rawURL, "udp://")
	if u == rawURL {
		return "", fmt.Errorf("not a udp url: %s", rawURL)
	}
	return u, nil
}

func (t *UDPTracker) resolve(ctx context.Context) (*net.UDPAddr, error) {
	hp, err := hostPort(t.rawURL)
	if err != nil {
		return nil, coreerror.Malformed(err.Error(), []byte(t.rawURL))
	}
	addr, err := net.ResolveUDPAddr("udp", hp)
	if err != nil {
		return nil, coreerror.New(coreerror.Transient, fmt.Sprintf("udp tracker unreachable: %s", hp), err)
	}
	return addr, nil
}

// udpConnectAttempts is the number of connect requests the retry schedule
// sends (n = 0..3) before giving up.
const udpConnectAttempts = 4

// ConnectRetriesExhausted is returned when the BEP 15 connect handshake's
// 15s·2^n retry schedule runs out without a reply. Attempts is the number
// of connect requests sent, so the tracker orchestrator can record one
// tracker-health failure per attempt before falling back to HTTP.
type ConnectRetriesExhausted struct {
	Attempts int
	Err      error
}

func (e *ConnectRetriesExhausted) Error() string {
	return fmt.Sprintf("udp tracker connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectRetriesExhausted) Unwrap() error { return e.Err }

// connect performs the BEP 15 connect handshake if the current
// connection_id has expired, retrying with the 15s·2^n schedule for
// n = 0..3 on failure.
func (t *UDPTracker) connect(ctx context.Context, addr *net.UDPAddr) (uint64, error) {
	t.mu.Lock()
	if t.connectionID != 0 && time.Since(t.connectedAt) < connectionIDLifetime {
		id := t.connectionID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	var lastErr error
	for n := 0; n < udpConnectAttempts; n++ {
		txID := rand.Uint32()
		req := make([]byte, 16)
		binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
		binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
		binary.BigEndian.PutUint32(req[12:16], txID)

		ctxTimeout, cancel := context.WithTimeout(ctx, 15*time.Second)
		resp, err := t.socket.roundTrip(ctxTimeout, addr, req, txID)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(retryDelay(n))
			continue
		}
		if len(resp) < 16 {
			lastErr = coreerror.New(coreerror.Transient, "short connect response", nil)
			time.Sleep(retryDelay(n))
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTxID := binary.BigEndian.Uint32(resp[4:8])
		if action != udpActionConnect || gotTxID != txID {
			lastErr = coreerror.New(coreerror.Transient, "unexpected connect response", nil)
			time.Sleep(retryDelay(n))
			continue
		}
		connID := binary.BigEndian.Uint64(resp[8:16])
		t.mu.Lock()
		t.connectionID = connID
		t.connectedAt = time.Now()
		t.mu.Unlock()
		return connID, nil
	}
	return 0, &ConnectRetriesExhausted{Attempts: udpConnectAttempts, Err: lastErr}
}

// retryDelay implements the 15s·2^n backoff schedule for n = 0..3.
func retryDelay(n int) time.Duration {
	return 15 * time.Second * time.Duration(1<<uint(n))
}

var eventToUDP = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

// Announce performs the BEP 15 connect/announce sequence: resolve host,
// connect (or reuse a live connection_id), then send the announce request
// and parse the response.
func (t *UDPTracker) Announce(ctx context.Context, p AnnounceParams) (*Response, error) {
	if err := validateAnnounceParams(p); err != nil {
		return nil, err
	}
	addr, err := t.resolve(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := t.connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	left := p.Left
	if left == 0 && p.Event != EventCompleted {
		left = OneTiBLeft
	}
	numWant := p.NumWant
	if numWant == 0 {
		numWant = -1
	}
	key := p.Key
	if key == 0 {
		key = t.key
	}

	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], eventToUDP[p.Event])
	binary.BigEndian.PutUint32(req[84:88], 0) // ip = 0 (let tracker infer)
	binary.BigEndian.PutUint32(req[88:92], key)
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(numWant)))
	binary.BigEndian.PutUint16(req[96:98], uint16(p.Port))

	ctxTimeout, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := t.socket.roundTrip(ctxTimeout, addr, req, txID)
	if err != nil {
		return nil, coreerror.New(coreerror.Transient, "udp tracker announce failed", err)
	}
	return parseUDPAnnounceResponse(resp, txID)
}

// parseUDPAnnounceResponse parses a ≥20-byte BEP 15 announce response:
// action, transaction_id, interval, leechers, seeders, then 6-byte peer
// entries. The transaction_id must match the request's.
func parseUDPAnnounceResponse(resp []byte, wantTxID uint32) (*Response, error) {
	if len(resp) < 20 {
		return nil, coreerror.Malformed("udp announce response too short", resp)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	txID := binary.BigEndian.Uint32(resp[4:8])
	if txID != wantTxID {
		return nil, coreerror.New(coreerror.Transient, "udp announce transaction id mismatch", nil)
	}
	if action == udpActionError {
		return nil, &coreerror.TrackerFailureError{Reason: string(resp[8:])}
	}
	if action != udpActionAnnounce {
		return nil, coreerror.Malformed("unexpected udp announce action", resp)
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])
	peers, err := decodeCompactPeers(resp[20:], false)
	if err != nil {
		return nil, err
	}
	return &Response{
		IntervalSeconds: int(interval),
		Incomplete:      int(leechers),
		Complete:        int(seeders),
		Peers:           peers,
	}, nil
}

// FallbackHTTPURL rewrites a udp:// tracker URL to http://, used by the
// tracker orchestrator when a UDP announce fails entirely after its
// retry schedule elapses.
func FallbackHTTPURL(udpURL string) string {
	return "http://" + strings.TrimPrefix(udpURL, "udp://")
}
