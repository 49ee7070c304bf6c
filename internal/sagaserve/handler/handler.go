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

// Package handler exposes the orchestrator over a JSON HTTP API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/internal/rollback"
	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// SagaService is the engine side of the API.
type SagaService interface {
	Get(ctx context.Context, sagaID string) (*saga.SagaInstance, error)
	ListSagas(ctx context.Context, filter saga.SagaFilter) ([]*saga.SagaInstance, error)
	Checkpoints(ctx context.Context, sagaID string) ([]*saga.StepCheckpoint, error)
	Resume(ctx context.Context, sagaID string) error
	RetryDeadLetter(ctx context.Context, entryID string) error
	Subscribe(types ...saga.SagaEventType) (<-chan *saga.SagaEvent, func())
}

// StatsProvider computes orchestrator statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*saga.Stats, error)
}

// DeadLetterLister lists parked dead-letter entries.
type DeadLetterLister interface {
	List(ctx context.Context, filter saga.DeadLetterFilter) ([]*saga.DeadLetterEntry, error)
}

// RollbackExecutor submits version rollbacks.
type RollbackExecutor interface {
	Execute(ctx context.Context, req *rollback.Request) (string, error)
}

// Handler serves the saga API.
type Handler struct {
	sagas       SagaService
	stats       StatsProvider
	deadLetters DeadLetterLister
	rollbacks   RollbackExecutor
	heartbeat   time.Duration
	logger      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat sets the interval of keep-alive events on the event stream.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// New creates a Handler.
func New(sagas SagaService, stats StatsProvider, deadLetters DeadLetterLister, rollbacks RollbackExecutor, opts ...Option) *Handler {
	h := &Handler{
		sagas:       sagas,
		stats:       stats,
		deadLetters: deadLetters,
		rollbacks:   rollbacks,
		heartbeat:   15 * time.Second,
		logger:      logger.GetLogger().Named("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/sagas/stats", h.GetStats)
		v1.GET("/sagas", h.ListSagas)
		v1.GET("/sagas/:id", h.GetSaga)
		v1.POST("/sagas/:id/resume", h.ResumeSaga)
		v1.GET("/dead-letters", h.ListDeadLetters)
		v1.POST("/dead-letters/:id/retry", h.RetryDeadLetter)
		v1.POST("/rollbacks", h.ExecuteRollback)
		v1.GET("/events", h.StreamEvents)
	}
}

// GetStats returns instance counts per status and the dead-letter backlog.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListSagas lists instances in creation order.
func (h *Handler) ListSagas(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	filter := saga.SagaFilter{Limit: limit, Offset: offset}
	if raw := c.Query("status"); raw != "" {
		status, err := saga.ParseSagaStatus(raw)
		if err != nil {
			h.fail(c, err)
			return
		}
		filter.Statuses = []saga.SagaStatus{status}
	}
	if name := c.Query("name"); name != "" {
		filter.Name = name
	}

	sagas, err := h.sagas.ListSagas(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sagas == nil {
		sagas = []*saga.SagaInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"sagas": sagas, "limit": limit, "offset": offset})
}

// SagaDetail is an instance with its checkpoints.
type SagaDetail struct {
	*saga.SagaInstance
	Checkpoints []*saga.StepCheckpoint `json:"checkpoints"`
}

// GetSaga returns one instance together with its checkpoints.
func (h *Handler) GetSaga(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	inst, err := h.sagas.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	cps, err := h.sagas.Checkpoints(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cps == nil {
		cps = []*saga.StepCheckpoint{}
	}
	c.JSON(http.StatusOK, SagaDetail{SagaInstance: inst, Checkpoints: cps})
}

// ListDeadLetters lists unresolved dead-letter entries.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	filter := saga.DeadLetterFilter{
		SagaID: c.Query("sagaId"),
		Kind:   saga.DeadLetterKind(c.Query("kind")),
		Limit:  limit,
		Offset: offset,
	}
	entries, err := h.deadLetters.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*saga.DeadLetterEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": entries, "limit": limit, "offset": offset})
}

// ExecuteRollback submits a version-rollback saga.
func (h *Handler) ExecuteRollback(c *gin.Context) {
	var req rollback.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, saga.NewValidationError("invalid request body: "+err.Error(), err))
		return
	}
	sagaID, err := h.rollbacks.Execute(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sagaId": sagaID})
}

// ResumeSaga resumes a running or partial saga.
func (h *Handler) ResumeSaga(c *gin.Context) {
	if err := h.sagas.Resume(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RetryDeadLetter re-invokes the action of a dead-lettered step once.
func (h *Handler) RetryDeadLetter(c *gin.Context) {
	if err := h.sagas.RetryDeadLetter(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) page(c *gin.Context) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			h.fail(c, saga.NewValidationError("limit must be between 1 and "+strconv.Itoa(maxLimit), err))
			return 0, 0, false
		}
		limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(c, saga.NewValidationError("offset must be a non-negative integer", err))
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case saga.IsNotFound(err):
		return http.StatusNotFound
	case saga.IsInvalidState(err), saga.IsDuplicateDefinition(err):
		return http.StatusConflict
	case saga.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, saga.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusCode(err)
	resp := ErrorResponse{Error: err.Error(), Code: saga.CodeOf(err)}
	var se *saga.SagaError
	if errors.As(err, &se) {
		resp.Error = se.Message
		resp.Details = se.Details
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, resp)
}
