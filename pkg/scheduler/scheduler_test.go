package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalRequest_IncreaseIsMonotonic(t *testing.T) {
	r := NewIntervalRequest(time.Second, time.Minute, 1.75)

	prev := r.Current()
	for i := 0; i < 20; i++ {
		r.Increase()
		assert.GreaterOrEqual(t, r.Current(), prev)
		assert.LessOrEqual(t, r.Current(), time.Minute)
		prev = r.Current()
	}
	assert.Equal(t, time.Minute, r.Current(), "interval converges on the cap")

	r.Reset()
	assert.Equal(t, time.Second, r.Current())
}

func TestIntervalRequest_Defaults(t *testing.T) {
	r := NewIntervalRequest(0, 0, 0)
	assert.Equal(t, time.Second, r.Current())

	r.Increase()
	assert.Equal(t, time.Second, r.Current(), "max lifted to base caps growth")
}

func TestIntervalRequest_Apply(t *testing.T) {
	r := NewIntervalRequest(time.Second, time.Minute, 2)
	r.Apply(OutcomeIncrease)
	assert.Equal(t, 2*time.Second, r.Current())
	r.Apply(OutcomeReset)
	assert.Equal(t, time.Second, r.Current())
}

func TestScheduler_FiresAndBacksOff(t *testing.T) {
	s := New(nil)
	var fired int32
	req := NewIntervalRequest(5*time.Millisecond, time.Second, 2)
	s.Register("mpc-a", req, func(context.Context) (Outcome, error) {
		atomic.AddInt32(&fired, 1)
		return OutcomeIncrease, nil
	})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 2
	}, 2*time.Second, time.Millisecond)

	s.mu.Lock()
	current := req.Current()
	s.mu.Unlock()
	assert.Greater(t, current, 5*time.Millisecond, "empty cycles grow the interval")
}

func TestScheduler_FailureDoesNotStarveBatch(t *testing.T) {
	s := New(nil)
	var healthy int32
	s.Register("broken", NewIntervalRequest(time.Millisecond, time.Second, 2),
		func(context.Context) (Outcome, error) {
			return OutcomeIncrease, errors.New("endpoint down")
		})
	s.Register("panicking", NewIntervalRequest(time.Millisecond, time.Second, 2),
		func(context.Context) (Outcome, error) {
			panic("boom")
		})
	s.Register("healthy", NewIntervalRequest(time.Millisecond, time.Second, 2),
		func(context.Context) (Outcome, error) {
			atomic.AddInt32(&healthy, 1)
			return OutcomeReset, nil
		})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&healthy) >= 3
	}, 2*time.Second, time.Millisecond)
}

func TestScheduler_StopWaitsForBatch(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	s.Register("slow", NewIntervalRequest(time.Millisecond, time.Second, 2),
		func(context.Context) (Outcome, error) {
			close(started)
			<-release
			return OutcomeReset, nil
		})

	s.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a job was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the batch finished")
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
