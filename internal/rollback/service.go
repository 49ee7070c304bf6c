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

package rollback

import (
	"context"

	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
)

// Submitter starts saga instances.
type Submitter interface {
	Submit(ctx context.Context, name string, params interface{}) (string, error)
}

// Service accepts rollback requests and submits version-rollback sagas.
type Service struct {
	submitter Submitter
	logger    *zap.Logger
}

// NewService creates a rollback service on top of an engine.
func NewService(submitter Submitter) *Service {
	return &Service{
		submitter: submitter,
		logger:    logger.GetLogger().Named("rollback"),
	}
}

// Execute validates req and submits it. The returned saga ID can be polled
// for the outcome; the rollback itself runs asynchronously.
func (s *Service) Execute(ctx context.Context, req *Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	sagaID, err := s.submitter.Submit(ctx, SagaName, req)
	if err != nil {
		s.logger.Warn("failed to submit rollback",
			zap.String("target", req.Target().String()),
			zap.Error(err))
		return "", err
	}
	s.logger.Info("rollback submitted",
		zap.String("saga_id", sagaID),
		zap.String("trigger_id", req.TriggerID),
		zap.String("target", req.Target().String()),
		zap.String("to", req.ToVersion))
	return sagaID, nil
}
