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

package handler

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// StreamEvents relays engine events as server-sent events until the client
// disconnects. The optional type query parameter takes a comma-separated list
// of event types; sagaId restricts the stream to one instance.
func (h *Handler) StreamEvents(c *gin.Context) {
	var types []saga.SagaEventType
	if raw := c.Query("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, saga.SagaEventType(t))
			}
		}
	}
	sagaID := c.Query("sagaId")

	ch, unsubscribe := h.sagas.Subscribe(types...)
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	h.logger.Debug("event stream opened", zap.String("saga_id", sagaID), zap.Int("types", len(types)))

	c.SSEvent("ready", gin.H{"time": time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if sagaID != "" && ev.SagaID != sagaID {
				return true
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case t := <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": t.UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("saga_id", sagaID))
}
