/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted marks an operation that kept failing with retryable errors until the
// attempt budget ran out.
var ErrExhausted = errors.New("retries exhausted")

type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Policy is randomized exponential backoff: attempt n waits about
// BaseDelay * Multiplier^n, spread by +/- Jitter and capped at MaxDelay.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      float64
	MaxDelay    time.Duration
}

// exponential builds the backoff schedule for p. A zero MaxDelay leaves it uncapped.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 2
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Delay returns the randomized wait before retry number attempt (0 based).
func (p Policy) Delay(attempt int) time.Duration {
	exp := p.exponential()
	d := exp.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = exp.NextBackOff()
	}
	return d
}

// Notify is called before each wait with the error that triggered the retry.
type Notify func(err error, wait time.Duration)

// Do runs op until it succeeds, returns an error retryable rejects, the context ends, or
// MaxAttempts attempts have been made. In the last case the result wraps ErrExhausted.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op func(ctx context.Context) error, notify Notify) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(maxAttempts-1)), ctx)

	attempts := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, wait)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && lastErr != nil && retryable(lastErr) && attempts < maxAttempts {
		return fmt.Errorf("%w: %v", ctx.Err(), lastErr)
	}
	if retryable(err) && attempts >= maxAttempts {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return err
}
