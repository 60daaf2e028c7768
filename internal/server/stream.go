package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
)

const streamEventReady = "ready"

// handleFavoritesStream pushes the caller's change events as server-sent events until the
// client goes away.
func (h *httpHandler) handleFavoritesStream(c *gin.Context) {
	ownerID, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}

	ctx := c.Request.Context()
	stream, unsubscribe := h.dispatcher.Subscribe(ctx, ownerID.String())
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	controller := http.NewResponseController(c.Writer)
	streamLogger := h.logger.With(
		zap.String("owner_id", ownerID.String()),
		zap.String("request_id", c.GetString(requestIDContextKey)))

	ready := gin.H{"heartbeatSeconds": int(h.heartbeatInterval / time.Second)}
	if err := writeStreamEvent(c.Writer, controller, "", streamEventReady, ready); err != nil {
		streamLogger.Warn("event stream not established", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-stream:
			if !open {
				return
			}
			if err := writeStreamEvent(c.Writer, controller, event.ID, events.RoutingKey(event.Kind), event); err != nil {
				streamLogger.Debug("event stream closed during send", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				streamLogger.Debug("event stream closed during heartbeat", zap.Error(err))
				return
			}
			if err := controller.Flush(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeStreamEvent(w io.Writer, controller *http.ResponseController, id, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return controller.Flush()
}
