// Package trackerurl normalizes mangled tracker URLs and parses magnet
// URIs into an infohash, display name, and a flat tracker list.
package trackerurl

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cenkalti/peerengine/internal/coreerror"
)

// Scheme enumerates the schemes a normalized tracker URL may carry.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeUDP   Scheme = "udp"
)

// maxUnquoteRounds bounds the percent-unquoting loop: some magnet links
// double- or triple-encode their tr= parameters.
const maxUnquoteRounds = 3

// hostPattern is a conservative DNS-name-or-IPv6-literal validator. It
// intentionally rejects anything containing whitespace or control
// characters, and anything that isn't alnum/dot/dash/colon (for IPv6).
var hostPattern = regexp.MustCompile(`^(\[[0-9a-fA-F:]+\]|[a-zA-Z0-9](?:[a-zA-Z0-9.-]*[a-zA-Z0-9])?)$`)

// Normalize canonicalizes a possibly-mangled tracker URL string.
//
// It: unquotes up to maxUnquoteRounds times (some magnet links
// double-encode); repairs "udp:/host" to "udp://host"; extracts
// "host:port" when an "http://..." substring has been pasted inside a UDP
// URL; strips any path from UDP URLs; validates the host; and rejects any
// scheme outside {http, https, udp}.
//
// Normalize is idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for i := 0; i < maxUnquoteRounds; i++ {
		unq, err := url.QueryUnescape(s)
		if err != nil || unq == s {
			break
		}
		s = unq
	}

	s = repairSlashes(s)
	s = extractPastedHTTPInUDP(s)

	u, err := url.Parse(s)
	if err != nil {
		return "", coreerror.Malformed("cannot parse tracker url", []byte(raw))
	}

	scheme := Scheme(strings.ToLower(u.Scheme))
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeUDP:
	default:
		return "", coreerror.Malformed(fmt.Sprintf("unsupported tracker scheme %q", u.Scheme), []byte(raw))
	}

	host := u.Hostname()
	if host == "" || !hostPattern.MatchString(host) {
		return "", coreerror.Malformed(fmt.Sprintf("invalid tracker host %q", host), []byte(raw))
	}

	port := u.Port()
	if port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return "", coreerror.Malformed(fmt.Sprintf("invalid tracker port %q", port), []byte(raw))
		}
	}

	out := &url.URL{Scheme: string(scheme), Host: u.Host}
	if scheme != SchemeUDP {
		// HTTP(S) trackers keep path and query; UDP trackers never do.
		out.Path = u.Path
		out.RawQuery = u.RawQuery
	}
	return out.String(), nil
}

// repairSlashes turns "udp:/host" into "udp://host" without touching
// well-formed "scheme://" URLs.
func repairSlashes(s string) string {
	re := regexp.MustCompile(`^(udp|http|https):/([^/])`)
	return re.ReplaceAllString(s, "$1://$2")
}

// extractPastedHTTPInUDP handles the case where a broken magnet link
// pastes a full "http://host:port/announce" string inside what should be
// a "udp://host:port" tracker entry, e.g.
// "udp://http://tracker.example.com:80/announce".
func extractPastedHTTPInUDP(s string) string {
	const marker = "udp://http://"
	if !strings.HasPrefix(s, marker) {
		return s
	}
	inner := s[len("udp://"):]
	u, err := url.Parse(inner)
	if err != nil {
		return s
	}
	return "udp://" + u.Host
}

// Idempotent reports whether Normalize applied to already-normalized
// input yields the same string, matching §8's idempotence invariant.
func Idempotent(normalized string) (bool, error) {
	again, err := Normalize(normalized)
	if err != nil {
		return false, err
	}
	return again == normalized, nil
}

// Magnet is the result of parsing a magnet URI: an infohash plus optional
// hints that feed the session as a metadata-less torrent skeleton.
type Magnet struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
	ExactSource []string // "xs" parameters, carried through unvalidated
}

// ParseMagnet extracts xt=urn:btih:<40-hex|32-base32>, the optional dn
// (display name), every tr (tracker), and every xs (exact source hint).
// It fails with coreerror.ErrBadMagnet if xt is absent or of the wrong
// length.
func ParseMagnet(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerror.ErrBadMagnet, err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: not a magnet uri", coreerror.ErrBadMagnet)
	}
	q := u.Query()

	var infoHash [20]byte
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hashStr := xt[len(prefix):]
		ih, err := decodeInfoHash(hashStr)
		if err != nil {
			return nil, err
		}
		infoHash = ih
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: missing xt=urn:btih:", coreerror.ErrBadMagnet)
	}

	m := &Magnet{
		InfoHash:    infoHash,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
		ExactSource: q["xs"],
	}
	return m, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var out [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 20 {
			return out, fmt.Errorf("%w: invalid 40-hex infohash", coreerror.ErrBadMagnet)
		}
		copy(out[:], b)
		return out, nil
	case 32:
		b, err := base32Decode(s)
		if err != nil || len(b) != 20 {
			return out, fmt.Errorf("%w: invalid 32-base32 infohash", coreerror.ErrBadMagnet)
		}
		copy(out[:], b)
		return out, nil
	default:
		return out, fmt.Errorf("%w: xt hash must be 40-hex or 32-base32, got length %d", coreerror.ErrBadMagnet, len(s))
	}
}

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

func base32Decode(s string) ([]byte, error) {
	s = strings.ToUpper(s)
	var bits uint64
	var nbits uint
	out := make([]byte, 0, len(s)*5/8)
	for _, c := range s {
		idx := strings.IndexRune(base32Alphabet, c)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base32 character %q", c)
		}
		bits = (bits << 5) | uint64(idx)
		nbits += 5
		if nbits >= 8 {
			nbits -= 8
			out = append(out, byte(bits>>nbits))
		}
	}
	return out, nil
}

// BuildMagnet renders a Magnet skeleton back to a magnet URI. Used to
// verify the round-trip law ParseMagnet(BuildMagnet(m)) == m.
func BuildMagnet(m *Magnet) string {
	var sb strings.Builder
	sb.WriteString("magnet:?xt=urn:btih:")
	sb.WriteString(hex.EncodeToString(m.InfoHash[:]))
	if m.DisplayName != "" {
		sb.WriteString("&dn=")
		sb.WriteString(url.QueryEscape(m.DisplayName))
	}
	for _, tr := range m.Trackers {
		sb.WriteString("&tr=")
		sb.WriteString(url.QueryEscape(tr))
	}
	for _, xs := range m.ExactSource {
		sb.WriteString("&xs=")
		sb.WriteString(url.QueryEscape(xs))
	}
	return sb.String()
}
