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

package serve

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/internal/sagaserve/config"
	"github.com/xilian/saga-orchestrator/internal/sagaserve/server"
	"github.com/xilian/saga-orchestrator/pkg/logger"
)

// NewServeCmd starts the orchestrator and blocks until the command context
// is cancelled.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the saga orchestrator",
		Long: `Start the saga orchestrator:
- saga engine with durable checkpoints and a dead-letter queue
- version-rollback saga and its REST API under /api/v1
- Prometheus metrics on /metrics, health probes on /healthz and /readyz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFlags(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return Run(cmd.Context(), cfg)
		},
	}
	return cmd
}

// Run serves until ctx is done or the HTTP listener fails, then shuts down
// within the configured timeout.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.Logger.Warn("apply log level failed", zap.Error(err))
	}
	logger.Logger.Info("Starting saga orchestrator...",
		zap.String("address", cfg.Server.Address),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("rollback_backend", cfg.Rollback.Backend))

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Logger.Info("Shutdown signal received, stopping server...")
	case serveErr = <-srv.Errors():
		logger.Logger.Error("Server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("Error during server shutdown", zap.Error(err))
		if serveErr == nil {
			return err
		}
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Logger.Info("Server shutdown complete")
	return nil
}
