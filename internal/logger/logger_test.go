package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTagsComponentName(t *testing.T) {
	l := New("tracker")
	assert.Equal(t, "tracker", l.entry.Data["component"])
}

func TestWithFieldAddsFieldWithoutLosingComponent(t *testing.T) {
	l := New("dht").WithField("info_hash", "abc123")
	assert.Equal(t, "dht", l.entry.Data["component"])
	assert.Equal(t, "abc123", l.entry.Data["info_hash"])
}

func TestLoggingMethodsDoNotPanic(t *testing.T) {
	l := New("test")
	assert.NotPanics(t, func() {
		l.Debugf("debug %d", 1)
		l.Infof("info %d", 1)
		l.Warningf("warn %d", 1)
		l.Errorf("err %d", 1)
	})
}
