package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	cause := errors.New("boom")
	err := newError(ErrIOFailure, "write", "/skfs/a", cause)

	assert.Equal(t, "write /skfs/a: i/o failure: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrIOFailure, CodeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Zero(t, CodeOf(cause))
	assert.Zero(t, CodeOf(nil))
	assert.Equal(t, "code(99)", ErrorCode(99).String())
}

func TestRetryPolicy_Wait(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		trueAfter int
		want      bool
		wantCalls int
	}{
		{"immediate", RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}, 1, true, 1},
		{"eventually", RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}, 3, true, 3},
		{"exhausted", RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, 10, false, 3},
		{"zero attempts still tries once", RetryPolicy{}, 10, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got := tt.policy.Wait(context.Background(), func() bool {
				calls++
				return calls >= tt.trueAfter
			})
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestRetryPolicy_WaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	got := RetryPolicy{MaxAttempts: 100, Delay: time.Hour}.Wait(ctx, func() bool {
		calls++
		return false
	})
	assert.False(t, got)
	assert.Equal(t, 1, calls)
}
