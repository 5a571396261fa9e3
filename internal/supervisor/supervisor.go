// Package supervisor generalizes the teacher's ad hoc
// "go func(){ ... }(); wg.Wait()" shutdown pattern into a tracked
// background-task registry: every long-running loop is spawned through a
// Supervisor, which holds the only strong reference to its cancellation
// and completion.
package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cenkalti/peerengine/internal/logger"
)

// Task is a supervised background function. It must return promptly once
// ctx is canceled.
type Task func(ctx context.Context) error

// Supervisor tracks every task spawned through Go, and can cancel and
// await all of them together.
type Supervisor struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	log    logger.Logger
	closed bool
}

// New returns a Supervisor whose tasks are canceled when parent is
// canceled, or when CancelAll is called.
func New(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		log:    logger.New("supervisor"),
	}
}

// Go spawns t under the supervisor. Panics inside t are recovered and
// turned into an error so one bad task cannot take down the process or
// silently vanish.
func (s *Supervisor) Go(name string, t Task) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.log.Errorf("refusing to start task %s: supervisor already canceled", name)
		return
	}
	s.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("task %s panicked: %v", name, r)
				err = errTaskPanic
			}
		}()
		if err := t(s.ctx); err != nil && err != context.Canceled {
			s.log.Errorf("task %s exited with error: %v", name, err)
			return err
		}
		return nil
	})
}

var errTaskPanic = panicError{}

type panicError struct{}

func (panicError) Error() string { return "supervised task panicked" }

// CancelAll signals cancellation to every running task. Safe to call more
// than once.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// AwaitAll blocks until every task has returned or timeout elapses,
// whichever comes first; cancellation is treated as a normal exit, not an
// error. Returns the first non-cancellation error encountered, if any.
func (s *Supervisor) AwaitAll(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		s.log.Errorf("timed out after %s waiting for supervised tasks", timeout)
		return nil
	}
}

// Stop cancels every task and waits up to timeout for them to exit. This
// is the sequence sessions must run before releasing other resources, so
// background tasks never reference freed state.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.CancelAll()
	return s.AwaitAll(timeout)
}

// Sleep blocks for d or until ctx is canceled, whichever comes first,
// returning true if it completed the full duration. Long sleeps should be
// broken into short intervals by the caller so cancellation stays prompt.
func Sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
