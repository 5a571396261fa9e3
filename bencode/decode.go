package bencode

import (
	"fmt"
)

// Decode parses the bencode-encoded value in b and returns it as one of:
// []byte, int64, List, or Dict. It fails with ErrMalformedInput when the
// input is truncated, has leading zeros in an integer (except "i0e"),
// contains unsorted or duplicate dict keys, or has trailing bytes.
//
// Byte-strings are returned as raw []byte: decoders must never eagerly
// UTF-8-decode tracker or metadata strings.
func Decode(b []byte) (interface{}, error) {
	v, rest, err := decodeValue(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after value", ErrMalformedInput)
	}
	return v, nil
}

func decodeValue(b []byte) (interface{}, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: empty input", ErrMalformedInput)
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeString(b)
	default:
		return nil, nil, fmt.Errorf("%w: unexpected byte %q", ErrMalformedInput, b[0])
	}
}

func decodeInt(b []byte) (int64, []byte, error) {
	end := indexByte(b, 'e')
	if end < 0 {
		return 0, nil, fmt.Errorf("%w: unterminated integer", ErrMalformedInput)
	}
	digits := b[1:end]
	if len(digits) == 0 {
		return 0, nil, fmt.Errorf("%w: empty integer", ErrMalformedInput)
	}
	neg := false
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
		if len(digits) == 0 {
			return 0, nil, fmt.Errorf("%w: bare minus sign", ErrMalformedInput)
		}
	}
	if digits[0] == '0' && len(digits) > 1 {
		return 0, nil, fmt.Errorf("%w: leading zero in integer", ErrMalformedInput)
	}
	if neg && digits[0] == '0' {
		return 0, nil, fmt.Errorf("%w: negative zero is illegal", ErrMalformedInput)
	}
	var n int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, nil, fmt.Errorf("%w: non-digit in integer", ErrMalformedInput)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, b[end+1:], nil
}

func decodeString(b []byte) ([]byte, []byte, error) {
	colon := indexByte(b, ':')
	if colon < 0 {
		return nil, nil, fmt.Errorf("%w: missing length prefix separator", ErrMalformedInput)
	}
	lenDigits := b[:colon]
	if len(lenDigits) == 0 {
		return nil, nil, fmt.Errorf("%w: empty string length", ErrMalformedInput)
	}
	if lenDigits[0] == '0' && len(lenDigits) > 1 {
		return nil, nil, fmt.Errorf("%w: leading zero in string length", ErrMalformedInput)
	}
	var n int
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return nil, nil, fmt.Errorf("%w: non-digit in string length", ErrMalformedInput)
		}
		n = n*10 + int(c-'0')
	}
	rest := b[colon+1:]
	if n > len(rest) {
		return nil, nil, fmt.Errorf("%w: truncated string", ErrMalformedInput)
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}

func decodeList(b []byte) (List, []byte, error) {
	rest := b[1:]
	var out List
	for {
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("%w: unterminated list", ErrMalformedInput)
		}
		if rest[0] == 'e' {
			return out, rest[1:], nil
		}
		v, r, err := decodeValue(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, v)
		rest = r
	}
}

func decodeDict(b []byte) (Dict, []byte, error) {
	rest := b[1:]
	out := make(Dict)
	var lastKey []byte
	haveLast := false
	for {
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("%w: unterminated dict", ErrMalformedInput)
		}
		if rest[0] == 'e' {
			return out, rest[1:], nil
		}
		if rest[0] < '0' || rest[0] > '9' {
			return nil, nil, fmt.Errorf("%w: dict key must be a byte-string", ErrMalformedInput)
		}
		key, r, err := decodeString(rest)
		if err != nil {
			return nil, nil, err
		}
		if haveLast {
			switch {
			case string(key) == string(lastKey):
				return nil, nil, fmt.Errorf("%w: duplicate dict key %q", ErrMalformedInput, key)
			case string(key) < string(lastKey):
				return nil, nil, fmt.Errorf("%w: unsorted dict key %q", ErrMalformedInput, key)
			}
		}
		lastKey = key
		haveLast = true
		v, r2, err := decodeValue(r)
		if err != nil {
			return nil, nil, err
		}
		out[string(key)] = v
		rest = r2
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
