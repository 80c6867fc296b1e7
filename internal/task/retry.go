package task

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MaxRetries is the retry bound applied to every task.
const MaxRetries = 3

// ErrRetriesExhausted wraps the last cause once a task ran out of retries.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy decides whether a task may be replayed after a recoverable failure.
// It is owned by exactly one Task.
type RetryPolicy struct {
	owner *Task
	tries atomic.Int32
	max   int32
}

func newRetryPolicy(owner *Task) *RetryPolicy {
	return &RetryPolicy{owner: owner, max: MaxRetries}
}

// Retry records a failed attempt. While the bound holds it rewinds the owning
// task and returns nil; afterwards it returns a terminal error wrapping cause.
func (p *RetryPolicy) Retry(cause error) error {
	n := p.tries.Add(1)
	if n > p.max {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, n, cause)
	}
	p.owner.Reset()
	return nil
}

// Exceeded reports whether the bound has been passed.
func (p *RetryPolicy) Exceeded() bool { return p.tries.Load() > p.max }

// Tries returns the number of recorded failures.
func (p *RetryPolicy) Tries() int { return int(p.tries.Load()) }
