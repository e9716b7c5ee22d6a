package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/gin-gonic/gin"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	streamEventHeartbeat     = "heartbeat"
	streamSource             = "l2hub-bot"
)

type streamEventPayload struct {
	Kind      string            `json:"kind"`
	ServerID  string            `json:"server_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	NewTotal  int64             `json:"new_total,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Standings []standingPayload `json:"standings,omitempty"`
	UserIDs   []string          `json:"user_ids,omitempty"`
	Timestamp int64             `json:"timestamp_s"`
	Source    string            `json:"source"`
}

// handleEvents streams core events as server-sent events until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), toStreamPayload(event))
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, streamEventPayload{
				Kind:      streamEventHeartbeat,
				Timestamp: tick.UTC().Unix(),
				Source:    streamSource,
			})
			return true
		}
	})
}

func toStreamPayload(event events.Event) streamEventPayload {
	payload := streamEventPayload{
		Kind:      string(event.Kind),
		ServerID:  event.ServerID,
		UserID:    event.UserID,
		NewTotal:  event.NewTotal,
		Reason:    event.Reason,
		UserIDs:   event.UserIDs,
		Timestamp: event.Timestamp.UTC().Unix(),
		Source:    streamSource,
	}
	if len(event.Standings) > 0 {
		payload.Standings = toStandingPayloads(event.Standings)
	}
	return payload
}
