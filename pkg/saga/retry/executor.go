// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"context"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// AttemptFunc is one invocation of the retried operation. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

type runOptions struct {
	isPermanent func(error) bool
	onRetry     func(attempt int, err error)
}

// Option configures Run.
type Option func(*runOptions)

// WithPermanentClassifier stops retrying as soon as classify reports true.
func WithPermanentClassifier(classify func(error) bool) Option {
	return func(o *runOptions) {
		if classify != nil {
			o.isPermanent = classify
		}
	}
}

// WithOnRetry registers a callback invoked after a failed attempt that will be retried.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *runOptions) {
		o.onRetry = fn
	}
}

// Run invokes fn up to maxRetries+1 times, sleeping per policy between attempts.
// It returns nil on the first success. Otherwise it returns the last attempt's
// error, or an error wrapping ErrRetryAborted and ctx.Err() when ctx ended first.
func Run(ctx context.Context, maxRetries int, policy BackoffPolicy, fn AttemptFunc, opts ...Option) (Result, error) {
	o := runOptions{isPermanent: func(error) bool { return false }}
	for _, opt := range opts {
		opt(&o)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if policy == nil {
		policy = NewFixedIntervalPolicy(0)
	}

	start := time.Now()
	attempts := 0
	var lastErr error

	err := retrygo.Do(
		func() error {
			attempts++
			lastErr = fn(ctx, attempts)
			return lastErr
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(maxRetries)+1),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			return !o.isPermanent(err)
		}),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			retryNumber := int(n)
			if retryNumber < 1 {
				retryNumber = 1
			}
			return policy.GetRetryDelay(retryNumber)
		}),
		retrygo.OnRetry(func(_ uint, err error) {
			// retry-go also reports the final attempt here
			if o.onRetry != nil && attempts <= maxRetries {
				o.onRetry(attempts, err)
			}
		}),
	)

	res := Result{Attempts: attempts, Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		if lastErr != nil {
			return res, fmt.Errorf("%w after %d attempts: %w (last error: %v)", ErrRetryAborted, attempts, ctx.Err(), lastErr)
		}
		return res, fmt.Errorf("%w: %w", ErrRetryAborted, ctx.Err())
	}
	if lastErr != nil {
		return res, lastErr
	}
	return res, err
}
