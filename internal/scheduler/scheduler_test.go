package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestScheduler_RunsAtStartupAndOnInterval(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var calls atomic.Int32
	s := NewScheduler(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 20*time.Millisecond, logger)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	runs, _, failed := s.Stats()
	assert.GreaterOrEqual(t, runs, 3)
	assert.Zero(t, failed)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	logger, hook := test.NewNullLogger()
	release := make(chan struct{})
	var calls atomic.Int32
	s := NewScheduler(func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}, 10*time.Millisecond, logger)

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, skipped, _ := s.Stats()
		return skipped >= 2
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	s.Stop()

	assert.Equal(t, int32(1), calls.Load())
	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "Previous run still in progress, skipping" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScheduler_CountsFailures(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewScheduler(func(ctx context.Context) error {
		return errors.New("feed unavailable")
	}, time.Hour, logger)

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, _, failed := s.Stats()
		return failed == 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(func(ctx context.Context) error { return nil }, time.Hour, logger)

	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	s.Stop()
}
