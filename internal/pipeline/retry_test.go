package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	rp := NewRetryPolicy(5, time.Millisecond)
	var attempts []int
	err := rp.Execute(context.Background(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	rp := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	err := rp.Execute(context.Background(), func(int) error {
		calls++
		return &Failure{Step: StepSchema, Database: "orders", ExitCode: calls}
	})
	var f *Failure
	assert.True(t, errors.As(err, &f))
	assert.Equal(t, 2, f.ExitCode)
}

func TestRetryPolicyCondition(t *testing.T) {
	rp := NewRetryPolicy(5, time.Millisecond)
	calls := 0
	permanent := errors.New("permanent")
	err := rp.ExecuteWithCondition(context.Background(), func(int) error {
		calls++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyCancelledWait(t *testing.T) {
	rp := NewRetryPolicy(3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- rp.Execute(ctx, func(int) error {
			calls++
			return errors.New("fail")
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.EqualError(t, err, "fail")
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestRetryDelayGrowth(t *testing.T) {
	rp := NewRetryPolicy(4, time.Second)
	rp.RandomizeFactor = 0
	rp.MaxDelay = 3 * time.Second

	assert.Equal(t, time.Second, rp.GetDelay(0))
	assert.Equal(t, 2*time.Second, rp.GetDelay(1))
	assert.Equal(t, 3*time.Second, rp.GetDelay(2), "capped")
}

func TestNoRetryPolicy(t *testing.T) {
	calls := 0
	_ = NoRetryPolicy().Execute(context.Background(), func(int) error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, NewRetryPolicy(0, time.Second).MaxAttempts)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhasePending, PhaseSchemaDone))
	assert.True(t, CanTransition(PhaseSchemaDone, PhaseDataRunning))
	assert.False(t, CanTransition(PhasePending, PhaseDataRunning))
	assert.False(t, CanTransition(PhaseFailed, PhaseSchemaRunning))
	assert.False(t, CanTransition(PhaseDataDone, PhaseFailed))
}
