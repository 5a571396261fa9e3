// Package logger provides named, leveled loggers for the engine's
// components, backed by logrus.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is a named component logger. Component name is attached to every
// entry as a field so log lines can be filtered per subsystem.
type Logger struct {
	entry *logrus.Entry
}

var (
	once     sync.Once
	baseLog  = logrus.New()
	levelEnv = os.Getenv("PEERENGINE_LOG_LEVEL")
)

func initBase() {
	baseLog.SetOutput(os.Stderr)
	baseLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(levelEnv)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	baseLog.SetLevel(lvl)
}

// New returns a Logger tagged with the given component name.
func New(name string) Logger {
	once.Do(initBase)
	return Logger{entry: baseLog.WithField("component", name)}
}

func (l Logger) Debug(args ...interface{})            { l.entry.Debug(args...) }
func (l Logger) Debugln(args ...interface{})          { l.entry.Debugln(args...) }
func (l Logger) Debugf(f string, a ...interface{})    { l.entry.Debugf(f, a...) }
func (l Logger) Info(args ...interface{})             { l.entry.Info(args...) }
func (l Logger) Infoln(args ...interface{})           { l.entry.Infoln(args...) }
func (l Logger) Infof(f string, a ...interface{})     { l.entry.Infof(f, a...) }
func (l Logger) Warning(args ...interface{})          { l.entry.Warning(args...) }
func (l Logger) Warningln(args ...interface{})        { l.entry.Warnln(args...) }
func (l Logger) Warningf(f string, a ...interface{})  { l.entry.Warnf(f, a...) }
func (l Logger) Error(args ...interface{})            { l.entry.Error(args...) }
func (l Logger) Errorln(args ...interface{})          { l.entry.Errorln(args...) }
func (l Logger) Errorf(f string, a ...interface{})    { l.entry.Errorf(f, a...) }

// WithField returns a derived Logger carrying an extra structured field,
// used to tag log lines with e.g. an infohash or tracker URL.
func (l Logger) WithField(key string, value interface{}) Logger {
	return Logger{entry: l.entry.WithField(key, value)}
}
