package trackerhealth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordResultSuccessResetsConsecutiveFailures(t *testing.T) {
	m := New()
	m.RecordResult("http://t.example.com/announce", false, 0, 0)
	m.RecordResult("http://t.example.com/announce", false, 0, 0)
	h := m.Get("http://t.example.com/announce")
	require.NotNil(t, h)
	assert.Equal(t, 2, h.ConsecutiveFailures)

	m.RecordResult("http://t.example.com/announce", true, time.Second, 5)
	h = m.Get("http://t.example.com/announce")
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.EqualValues(t, 1, h.SuccessCount)
}

func TestScoreDeadAfterThreeConsecutiveFailures(t *testing.T) {
	m := New()
	url := "http://dead.example.com/announce"
	m.RecordResult(url, true, time.Second, 1)
	for i := 0; i < 3; i++ {
		m.RecordResult(url, false, 0, 0)
	}
	h := m.Get(url)
	assert.Equal(t, 0.0, h.Score(time.Now()))
}

func TestGetHealthyExcludesLowScore(t *testing.T) {
	m := New()
	good := "http://good.example.com/announce"
	bad := "http://bad.example.com/announce"
	m.RecordResult(good, true, time.Second, 1)
	m.RecordResult(bad, false, 0, 0)

	healthy := m.GetHealthy(nil)
	assert.Contains(t, healthy, good)
	assert.NotContains(t, healthy, bad)
}

func TestGetFallbackRespectsExclusionAndCap(t *testing.T) {
	m := New()
	fb := m.GetFallback(nil)
	assert.LessOrEqual(t, len(fb), 10)
	assert.NotEmpty(t, fb)

	exclude := map[string]struct{}{fb[0]: {}}
	fb2 := m.GetFallback(exclude)
	assert.NotContains(t, fb2, fb[0])
}

func TestAddDiscoveredValidatesScheme(t *testing.T) {
	m := New()
	err := m.AddDiscovered("http://discovered.example.com/announce")
	require.NoError(t, err)
	assert.NotNil(t, m.Get("http://discovered.example.com/announce"))

	err = m.AddDiscovered("ftp://bad.example.com/announce")
	assert.Error(t, err)
}

func TestShouldEvictOnConsecutiveFailures(t *testing.T) {
	h := &Health{ConsecutiveFailures: 3, LastAttempt: time.Now()}
	assert.True(t, shouldEvict(h, time.Now()))
}

func TestShouldEvictStaleNoAttempt(t *testing.T) {
	h := &Health{LastAttempt: time.Now().Add(-49 * time.Hour)}
	assert.True(t, shouldEvict(h, time.Now()))
}

func TestShouldNotEvictHealthyRecent(t *testing.T) {
	now := time.Now()
	h := &Health{SuccessCount: 10, FailureCount: 0, LastAttempt: now, LastSuccess: now}
	assert.False(t, shouldEvict(h, now))
}

func TestEmptyPeerListIsNotAFailure(t *testing.T) {
	m := New()
	url := "http://ok.example.com/announce"
	// An empty peer list from a tracker that otherwise succeeded is
	// still recorded as a success by the caller (the orchestrator),
	// this package just reflects whatever `success` flag it's given.
	m.RecordResult(url, true, time.Second, 0)
	h := m.Get(url)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.EqualValues(t, 1, h.SuccessCount)
}
