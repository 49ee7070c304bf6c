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
	"math"
	"math/rand"
	"time"
)

// JitterType defines different jittering strategies.
type JitterType int

const (
	// JitterTypeFull spreads the delay over random(delay*(1-jitter), delay).
	JitterTypeFull JitterType = iota

	// JitterTypeEqual keeps half the delay and randomises the rest.
	JitterTypeEqual

	// JitterTypeDecorrelated draws from random(InitialDelay, delay*3), capped by MaxDelay.
	JitterTypeDecorrelated
)

// ExponentialBackoffPolicy grows the delay geometrically with each retry.
// Formula: delay = InitialDelay * (Multiplier ^ (attempt - 1)), then jitter.
type ExponentialBackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier must be >= 1.0. Typical values are 2.0 or 1.5.
	Multiplier float64

	// Jitter between 0.0 (none) and 1.0 (max).
	Jitter float64

	JitterType JitterType

	rand func() float64
}

// NewExponentialBackoffPolicy creates a new exponential backoff policy.
func NewExponentialBackoffPolicy(initial, maxDelay time.Duration, multiplier, jitter float64) *ExponentialBackoffPolicy {
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return &ExponentialBackoffPolicy{
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		Jitter:       clampJitter(jitter),
		JitterType:   JitterTypeFull,
		rand:         rand.Float64,
	}
}

// GetRetryDelay calculates the exponential backoff delay with jitter.
func (p *ExponentialBackoffPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 || p.InitialDelay <= 0 {
		return 0
	}

	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	return time.Duration(p.applyJitter(base))
}

func (p *ExponentialBackoffPolicy) applyJitter(base float64) float64 {
	if p.Jitter == 0.0 {
		return base
	}
	r := p.rand
	if r == nil {
		r = rand.Float64
	}

	switch p.JitterType {
	case JitterTypeFull:
		return base - base*p.Jitter*r()
	case JitterTypeEqual:
		half := base / 2
		return half + r()*half
	case JitterTypeDecorrelated:
		lo := float64(p.InitialDelay)
		hi := base * 3
		d := lo + r()*(hi-lo)
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
		return d
	default:
		return base
	}
}

// LinearBackoffPolicy grows the delay by a fixed increment with each retry.
// Formula: delay = InitialDelay + Increment * (attempt - 1)
type LinearBackoffPolicy struct {
	InitialDelay time.Duration
	Increment    time.Duration
	MaxDelay     time.Duration
}

// NewLinearBackoffPolicy creates a new linear backoff policy. A non-positive
// increment defaults to 100ms.
func NewLinearBackoffPolicy(initial, increment, maxDelay time.Duration) *LinearBackoffPolicy {
	if increment <= 0 {
		increment = 100 * time.Millisecond
	}
	return &LinearBackoffPolicy{InitialDelay: initial, Increment: increment, MaxDelay: maxDelay}
}

// GetRetryDelay calculates the linear backoff delay.
func (p *LinearBackoffPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.InitialDelay + p.Increment*time.Duration(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// FixedIntervalPolicy waits the same interval before every retry.
type FixedIntervalPolicy struct {
	Interval time.Duration
}

// NewFixedIntervalPolicy creates a new fixed interval policy.
func NewFixedIntervalPolicy(interval time.Duration) *FixedIntervalPolicy {
	if interval < 0 {
		interval = 0
	}
	return &FixedIntervalPolicy{Interval: interval}
}

// GetRetryDelay returns the fixed interval.
func (p *FixedIntervalPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.Interval
}

func clampJitter(j float64) float64 {
	if j < 0.0 {
		return 0.0
	}
	if j > 1.0 {
		return 1.0
	}
	return j
}
