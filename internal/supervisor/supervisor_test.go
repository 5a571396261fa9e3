package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRunsTaskAndAwaitAllReturns(t *testing.T) {
	s := New(context.Background())
	var ran int32
	s.Go("t1", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	err := s.AwaitAll(time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestCancelAllStopsLongRunningTask(t *testing.T) {
	s := New(context.Background())
	exited := make(chan struct{})
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(exited)
		return ctx.Err()
	})
	s.CancelAll()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
	err := s.AwaitAll(time.Second)
	assert.NoError(t, err, "context.Canceled must not surface as an AwaitAll error")
}

func TestGoAfterCancelAllIsRefused(t *testing.T) {
	s := New(context.Background())
	s.CancelAll()
	ran := false
	s.Go("late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran)
}

func TestPanicInTaskIsRecoveredAndReported(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	})
	err := s.AwaitAll(time.Second)
	assert.Error(t, err)
}

func TestNonCancellationErrorPropagates(t *testing.T) {
	s := New(context.Background())
	wantErr := errors.New("disk full")
	s.Go("fails", func(ctx context.Context) error {
		return wantErr
	})
	err := s.AwaitAll(time.Second)
	assert.Error(t, err)
}

func TestStopCancelsAndWaits(t *testing.T) {
	s := New(context.Background())
	s.Go("work", func(ctx context.Context) error {
		Sleep(ctx, 5*time.Second)
		return ctx.Err()
	})
	start := time.Now()
	err := s.Stop(time.Second)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepReturnsFalseOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := Sleep(ctx, time.Second)
	assert.False(t, ok)
}
