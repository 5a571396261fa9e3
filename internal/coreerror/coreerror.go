// Package coreerror defines the error taxonomy described in the engine's
// design: transient network errors recover via backoff, tracker failures
// mark a tracker unhealthy, malformed input and invariant violations are
// rejected loudly at the boundary, missing subsystems degrade gracefully,
// and unrecoverable errors stop the session.
package coreerror

import (
	"errors"
	"fmt"
)

// Category classifies an error by how the caller should react to it.
type Category int

const (
	// Transient is a timeout, connection refused, or DNS failure.
	// Recoverable via backoff; surfaced only as an event.
	Transient Category = iota
	// TrackerFailure is a structured failure reported by a tracker, or
	// repeated transient errors against the same tracker.
	TrackerFailure
	// MalformedInput is bad bencode, a wrong infohash length, or an
	// invalid magnet link. Rejected at the boundary.
	MalformedInput
	// InvariantViolation indicates a caller bug: wrong torrent_data
	// shape, missing info_hash, bad peer_id size, port out of range.
	InvariantViolation
	// SubsystemMissing means a required collaborator (PeerManager, UDP
	// socket, DHT client) isn't ready yet. Not fatal.
	SubsystemMissing
	// Unrecoverable means the session cannot continue: corrupt
	// checkpoint, unwritable output dir, unresolvable integrity failure.
	Unrecoverable
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case TrackerFailure:
		return "tracker_failure"
	case MalformedInput:
		return "malformed_input"
	case InvariantViolation:
		return "invariant_violation"
	case SubsystemMissing:
		return "subsystem_missing"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Error is a categorized core error. Wrap an underlying cause with New to
// preserve both the category and the original error for errors.Is/As.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a categorized error.
func New(cat Category, message string, cause error) *Error {
	return &Error{Category: cat, Message: message, Cause: cause}
}

// maxSnippet is the maximum number of bytes of offending input included
// in a MalformedInput error message (§7: "first ≤ 200 bytes").
const maxSnippet = 200

// Malformed builds a MalformedInput error that includes a bounded prefix
// of the offending input for diagnosis.
func Malformed(message string, input []byte) *Error {
	n := len(input)
	if n > maxSnippet {
		n = maxSnippet
	}
	return New(MalformedInput, fmt.Sprintf("%s (input: %q)", message, input[:n]), nil)
}

// CategoryOf returns the Category of err if it is (or wraps) a *Error,
// and ok=false otherwise.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return 0, false
}

// ErrProxyAuthRequired is raised on an HTTP 407 from a tracker.
var ErrProxyAuthRequired = errors.New("tracker requires proxy authentication")

// ErrSslHandshake is raised on a TLS error while contacting a tracker.
var ErrSslHandshake = errors.New("tls handshake with tracker failed")

// ErrBadMagnet is raised when a magnet URI lacks a valid xt=urn:btih field.
var ErrBadMagnet = errors.New("magnet uri missing a valid btih infohash")

// TrackerFailureError wraps the "failure reason" field from a tracker
// response body.
type TrackerFailureError struct {
	Reason string
}

func (e *TrackerFailureError) Error() string {
	return fmt.Sprintf("tracker failure: %s", e.Reason)
}
