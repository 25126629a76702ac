package server

import (
	"context"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// roomFrame is a room event as one viewer receives it. Snapshot frames carry
// the actions that viewer may take at that version.
type roomFrame struct {
	races.RoomEvent
	AvailableActions *[]races.Action `json:"available_actions,omitempty"`
}

func (h *httpHandler) frameFor(ctx context.Context, actor races.Actor, event races.RoomEvent) roomFrame {
	frame := roomFrame{RoomEvent: event}
	if event.Type != races.EventRaceData || event.Snapshot == nil {
		return frame
	}
	actions, err := h.rooms.ViewerActions(ctx, actor, *event.Snapshot)
	if err != nil {
		h.logger.Debug("viewer actions unavailable", zap.String("room", event.Room), zap.Error(err))
		return frame
	}
	actions = nonNilActions(actions)
	frame.AvailableActions = &actions
	return frame
}

// handleRoomStream serves room events as server-sent events. The first event
// is always the current snapshot.
func (h *httpHandler) handleRoomStream(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	actor := actorFrom(c)
	stream, cleanup := h.feeds.Subscribe(ctx, ref)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	delivered := 0
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), h.frameFor(ctx, actor, event))
			delivered++
			return true
		}
	})
	h.logger.Debug("room stream closed", zap.String("room", ref.String()), zap.Int("events", delivered))
}
