// Package bencode implements the bencode value format used by BitTorrent
// trackers and torrent metadata: byte-strings, integers, lists and
// string-keyed dictionaries.
package bencode

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedInput is returned for any input that is truncated, contains
// leading zeros in an integer (other than "i0e"), has unsorted or
// duplicate dictionary keys, or leaves trailing bytes after a value.
var ErrMalformedInput = errors.New("bencode: malformed input")

// Dict is an ordered-by-key string-keyed dictionary of bencode values.
type Dict map[string]interface{}

// List is an ordered list of bencode values.
type List []interface{}

// RawMessage holds the raw, still-encoded bytes of a bencode value so that
// decoding of a sub-value (typically a torrent's "info" dict) can be
// deferred until its exact bytes are needed, e.g. for hashing.
type RawMessage []byte

// Encode returns the canonical bencode encoding of v.
//
// v must be one of: []byte, string, int, int64, List, []interface{},
// Dict, map[string]interface{}, or RawMessage. Encoding is deterministic:
// Encode(Decode(x)) yields bytes identical to x for any x produced by
// Encode.
func Encode(v interface{}) ([]byte, error) {
	var buf []byte
	var err error
	buf, err = appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return appendString(buf, t), nil
	case RawMessage:
		return append(buf, t...), nil
	case string:
		return appendString(buf, []byte(t)), nil
	case int:
		return appendInt(buf, int64(t)), nil
	case int64:
		return appendInt(buf, t), nil
	case List:
		return appendList(buf, []interface{}(t))
	case []interface{}:
		return appendList(buf, t)
	case Dict:
		return appendDict(buf, map[string]interface{}(t))
	case map[string]interface{}:
		return appendDict(buf, t)
	default:
		return nil, fmt.Errorf("bencode: cannot encode value of type %T", v)
	}
}

func appendString(buf []byte, s []byte) []byte {
	buf = append(buf, []byte(fmt.Sprintf("%d:", len(s)))...)
	return append(buf, s...)
}

func appendInt(buf []byte, n int64) []byte {
	buf = append(buf, 'i')
	buf = append(buf, []byte(fmt.Sprintf("%d", n))...)
	return append(buf, 'e')
}

func appendList(buf []byte, items []interface{}) ([]byte, error) {
	buf = append(buf, 'l')
	for _, item := range items {
		var err error
		buf, err = appendValue(buf, item)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, 'e'), nil
}

func appendDict(buf []byte, m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = append(buf, 'd')
	for _, k := range keys {
		buf = appendString(buf, []byte(k))
		var err error
		buf, err = appendValue(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	return append(buf, 'e'), nil
}
