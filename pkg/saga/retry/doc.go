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

/*
Package retry provides the backoff policies and the attempt loop used by the
saga engine for forward and compensation actions.

# Policies

Three policies compute the delay before a retry:

  - ExponentialBackoffPolicy: InitialDelay * Multiplier^(attempt-1), capped by MaxDelay, with jitter
  - LinearBackoffPolicy: InitialDelay + Increment*(attempt-1), capped by MaxDelay
  - FixedIntervalPolicy: the same delay for every retry

Config.Policy builds the exponential policy the engine uses by default:

	cfg := retry.Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
	policy := cfg.Policy()

# Running

Run invokes a function until it succeeds, the classifier reports a permanent
error, the retries are exhausted, or the context ends:

	res, err := retry.Run(ctx, 3, policy, func(ctx context.Context, attempt int) error {
		return callDownstream(ctx)
	}, retry.WithPermanentClassifier(saga.IsPermanent))
*/
package retry
