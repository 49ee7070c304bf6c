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
	"errors"
	"time"
)

// Common errors returned by the retry package.
var (
	// ErrInvalidConfig is returned when the retry configuration is invalid.
	ErrInvalidConfig = errors.New("invalid retry configuration")

	// ErrRetryAborted is returned when the context ends before the attempts do.
	ErrRetryAborted = errors.New("retry aborted")
)

// BackoffPolicy computes the delay before retry number attempt (1-indexed).
type BackoffPolicy interface {
	GetRetryDelay(attempt int) time.Duration
}

// Config holds the retry settings shared by steps that do not define their own.
type Config struct {
	// MaxRetries is the number of retries after the first attempt. Zero disables retries.
	MaxRetries int `mapstructure:"max_retries" json:"maxRetries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initialDelay"`

	// MaxDelay caps any computed delay. Zero means no cap.
	MaxDelay time.Duration `mapstructure:"max_delay" json:"maxDelay"`

	// Multiplier is the exponential growth factor. Values below 1 default to 2.
	Multiplier float64 `mapstructure:"multiplier" json:"multiplier"`

	// Jitter is the randomisation factor between 0 and 1.
	Jitter float64 `mapstructure:"jitter" json:"jitter"`
}

// Validate validates the retry configuration.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return ErrInvalidConfig
	}
	if c.InitialDelay < 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidConfig
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return ErrInvalidConfig
	}
	return nil
}

// Policy returns the exponential backoff policy described by c.
func (c *Config) Policy() BackoffPolicy {
	return NewExponentialBackoffPolicy(c.InitialDelay, c.MaxDelay, c.Multiplier, c.Jitter)
}

// DefaultConfig returns a default retry configuration.
// - MaxRetries: 3
// - InitialDelay: 100ms
// - MaxDelay: 10s
// - Multiplier: 2
// - Jitter: 0.2
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NoRetryConfig returns a configuration that disables retries.
func NoRetryConfig() *Config {
	return &Config{}
}

// Result describes a finished Run.
type Result struct {
	// Attempts is the number of times the function was invoked.
	Attempts int

	// Duration is the time spent on all attempts including delays.
	Duration time.Duration
}
