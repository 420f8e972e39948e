// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides exponential backoff for operations against
// entropy sources that fail transiently.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the default delay before the first retry.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay caps the delay between attempts.
	DefaultMaxDelay = 5 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns an error for which retryable is
// false, the attempts are exhausted or ctx is done. The last error from fn
// is returned. fn receives the zero based attempt number.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return err
		}

		t := time.NewTimer(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
