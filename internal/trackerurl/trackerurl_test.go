package trackerurl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBasic(t *testing.T) {
	u, err := Normalize("http://tracker.example.com:80/announce")
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example.com:80/announce", u)
}

func TestNormalizeRepairsMissingSlash(t *testing.T) {
	u, err := Normalize("udp:/tracker.example.com:1337")
	require.NoError(t, err)
	assert.Equal(t, "udp://tracker.example.com:1337", u)
}

func TestNormalizeStripsUDPPath(t *testing.T) {
	u, err := Normalize("udp://tracker.example.com:1337/announce?x=1")
	require.NoError(t, err)
	assert.Equal(t, "udp://tracker.example.com:1337", u)
}

func TestNormalizeRejectsBadScheme(t *testing.T) {
	_, err := Normalize("ftp://tracker.example.com/announce")
	assert.Error(t, err)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"http://tracker.example.com:80/announce",
		"udp://tracker.example.com:1337",
		"https://tracker.example.com/a/b?c=d",
	}
	for _, in := range inputs {
		n1, err := Normalize(in)
		require.NoError(t, err)
		n2, err := Normalize(n1)
		require.NoError(t, err)
		assert.Equal(t, n1, n2)
		ok, err := Idempotent(n1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestNormalizeDecodesDoubleEncoded(t *testing.T) {
	in := "http%3A%2F%2Ftracker.example.com%2Fannounce"
	u, err := Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example.com/announce", u)
}

func TestNormalizeExtractsPastedHTTPInUDP(t *testing.T) {
	u, err := Normalize("udp://http://tracker.example.com:80/announce")
	require.NoError(t, err)
	assert.Equal(t, "udp://tracker.example.com:80", u)
}

func TestParseMagnetBasic(t *testing.T) {
	ih := strings.Repeat("ab", 20)
	uri := "magnet:?xt=urn:btih:" + ih + "&dn=MyTorrent&tr=udp://tracker.example.com:1337&tr=http://tracker2.example.com/announce"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	assert.Equal(t, "MyTorrent", m.DisplayName)
	assert.Len(t, m.Trackers, 2)
	assert.Equal(t, byte(0xab), m.InfoHash[0])
}

func TestParseMagnetRejectsMissingXT(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=NoHash")
	assert.Error(t, err)
}

func TestParseMagnetRejectsBadLength(t *testing.T) {
	_, err := ParseMagnet("magnet:?xt=urn:btih:abcd")
	assert.Error(t, err)
}

func TestParseMagnetBase32(t *testing.T) {
	hex40 := strings.Repeat("ab", 20)
	m1, err := ParseMagnet("magnet:?xt=urn:btih:" + hex40)
	require.NoError(t, err)

	b32 := toBase32(m1.InfoHash[:])
	m2, err := ParseMagnet("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	assert.Equal(t, m1.InfoHash, m2.InfoHash)
}

func toBase32(b []byte) string {
	var bits uint64
	var nbits uint
	var sb strings.Builder
	for _, c := range b {
		bits = (bits << 8) | uint64(c)
		nbits += 8
		for nbits >= 5 {
			nbits -= 5
			sb.WriteByte(base32Alphabet[(bits>>nbits)&0x1f])
		}
	}
	if nbits > 0 {
		sb.WriteByte(base32Alphabet[(bits<<(5-nbits))&0x1f])
	}
	return sb.String()
}

func TestMagnetRoundTrip(t *testing.T) {
	ih := strings.Repeat("cd", 20)
	uri := "magnet:?xt=urn:btih:" + ih + "&dn=Name&tr=udp://tracker.example.com:1337"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)

	rebuilt := BuildMagnet(m)
	m2, err := ParseMagnet(rebuilt)
	require.NoError(t, err)

	assert.Equal(t, m.InfoHash, m2.InfoHash)
	assert.Equal(t, m.DisplayName, m2.DisplayName)
	assert.Equal(t, m.Trackers, m2.Trackers)
}
