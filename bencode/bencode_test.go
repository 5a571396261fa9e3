package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"zero int", "i0e"},
		{"positive int", "i42e"},
		{"negative int", "i-42e"},
		{"string", "4:spam"},
		{"empty string", "0:"},
		{"list", "l4:spam4:eggse"},
		{"empty list", "le"},
		{"dict", "d3:bar4:spam3:fooi42ee"},
		{"empty dict", "de"},
		{"nested", "d4:infod4:name4:testee"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, err := Decode([]byte(c.in))
			require.NoError(t, err)
			enc1, err := Encode(toEncodable(v))
			require.NoError(t, err)
			v2, err := Decode(enc1)
			require.NoError(t, err)
			enc2, err := Encode(toEncodable(v2))
			require.NoError(t, err)
			assert.Equal(t, enc1, enc2)
		})
	}
}

// toEncodable returns v unchanged: Decode and Encode share a type
// vocabulary (Dict/List), so decoded values are already encodable.
func toEncodable(v interface{}) interface{} {
	return v
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"i01e",      // leading zero
		"i-0e",      // negative zero
		"i e",       // non-digit
		"5:abc",     // truncated string
		"d3:foo1:a", // unterminated dict
		"",          // empty
		"x",         // unexpected byte
		"l4:spam",   // missing closing e
	}
	for _, c := range cases {
		_, err := Decode([]byte(c))
		assert.Error(t, err, "input %q should be rejected", c)
	}
}

func TestDecodeRejectsDuplicateAndUnsortedKeys(t *testing.T) {
	_, err := Decode([]byte("d3:bari1e3:bari2ee"))
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = Decode([]byte("d3:fooi1e3:bari2ee"))
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	assert.Error(t, err)
}

func TestEncodeSortsKeys(t *testing.T) {
	out, err := Encode(Dict{"zebra": 1, "apple": 2})
	require.NoError(t, err)
	assert.Equal(t, "d5:applei2e5:zebrai1ee", string(out))
}

func TestEncodeStringIsRawBytes(t *testing.T) {
	raw := []byte{0xff, 0x00, 0x10}
	out, err := Encode(raw)
	require.NoError(t, err)
	assert.Equal(t, "3:"+string(raw), string(out))
}

func TestDecodeDoesNotUTF8Decode(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0x00}
	enc := append([]byte("3:"), raw...)
	v, err := Decode(enc)
	require.NoError(t, err)
	b, ok := v.([]byte)
	require.True(t, ok)
	assert.Equal(t, raw, b)
}
