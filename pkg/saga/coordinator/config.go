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

package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
)

// Config holds the engine settings.
type Config struct {
	// Workers is the number of goroutines draining the work queue.
	Workers int `mapstructure:"workers" json:"workers"`

	// StepTimeout bounds an action invocation when the step sets no Timeout.
	StepTimeout time.Duration `mapstructure:"step_timeout" json:"stepTimeout"`

	// Backoff computes retry delays for steps without their own policy.
	// Its MaxRetries is ignored: every step declares its own retry budget.
	Backoff retry.Config `mapstructure:"backoff" json:"backoff"`

	// RecoverOnStart re-enqueues running and compensating sagas in Start.
	RecoverOnStart bool `mapstructure:"recover_on_start" json:"recoverOnStart"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:        4,
		StepTimeout:    30 * time.Second,
		Backoff:        *retry.DefaultConfig(),
		RecoverOnStart: true,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.StepTimeout <= 0 {
		return errors.New("step timeout must be positive")
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("invalid backoff: %w", err)
	}
	return nil
}
