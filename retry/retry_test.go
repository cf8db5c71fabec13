package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: true}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Do(context.Background(), fast(3), func(ctx context.Context, attempt int) Result[int] {
		calls++
		if attempt < 2 {
			return Retry[int](errFlaky)
		}
		return Ok(42)
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustedKeepsLastError(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), fast(3), func(ctx context.Context, attempt int) Result[string] {
		calls++
		return Retry[string](errFlaky)
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDoFatalStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), fast(5), func(ctx context.Context, attempt int) Result[int] {
		calls++
		return Stop[int](errFlaky)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDoHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 10, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(ctx context.Context, attempt int) Result[int] {
			calls++
			return Retry[int](errFlaky)
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestZeroDelayDoesNotSleep(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_, err := Do(context.Background(), Policy{Attempts: 50}, func(ctx context.Context, attempt int) Result[int] {
		return Retry[int](errFlaky)
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       Policy
		wantErr bool
	}{
		{"default", Default(), false},
		{"no attempts", Policy{}, true},
		{"negative delay", Policy{Attempts: 1, BaseDelay: -time.Second}, true},
		{"max below base", Policy{Attempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
