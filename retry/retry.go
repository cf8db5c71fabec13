// Package retry runs an operation under a bounded exponential backoff.
//
// Operations report a tagged Result: Ok ends the loop with a value,
// Retryable asks for another attempt, Fatal ends the loop with an error.
// The retry decision lives in the operation's classification, never in the
// caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Outcome tags a Result.
type Outcome int

const (
	OK Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

func Ok[T any](v T) Result[T] { return Result[T]{Value: v, Outcome: OK} }

func Retry[T any](err error) Result[T] { return Result[T]{Outcome: Retryable, Err: err} }

func Stop[T any](err error) Result[T] { return Result[T]{Outcome: Fatal, Err: err} }

// ErrExhausted wraps the last error once every attempt was retryable.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retry loop. A zero BaseDelay retries without sleeping.
type Policy struct {
	Attempts  int           `json:"attempts" yaml:"attempts"`
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Factor    float64       `json:"factor,omitempty" yaml:"factor,omitempty"`
	Jitter    bool          `json:"jitter" yaml:"jitter"`
}

// Default is three attempts starting at 500ms with jitter.
func Default() Policy {
	return Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: true}
}

// Validate rejects policies that could never run or never stop.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("attempts must be >= 1, got %d", p.Attempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return errors.New("max_delay must be >= base_delay")
	}
	return nil
}

func (p Policy) backoff() *backoff.Backoff {
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	if b.Max <= 0 {
		b.Max = 10 * p.BaseDelay
	}
	return b
}

// Do runs op until it returns OK or Fatal, the attempts run out, or ctx is
// done. attempt is zero-based.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) Result[T]) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.backoff()

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return zero, fmt.Errorf("%w (last error: %w)", err, last)
			}
			return zero, err
		}

		r := op(ctx, attempt)
		switch r.Outcome {
		case OK:
			return r.Value, nil
		case Fatal:
			return zero, r.Err
		}
		last = r.Err

		if attempt == attempts-1 || p.BaseDelay <= 0 {
			continue
		}
		if err := sleep(ctx, b.Duration()); err != nil {
			return zero, fmt.Errorf("%w (last error: %w)", err, last)
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
