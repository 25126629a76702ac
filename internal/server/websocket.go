package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const (
	socketWriteWait      = 10 * time.Second
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = (socketPongWait * 9) / 10
	socketMaxMessageSize = 8192
	socketReplyBuffer    = 16

	commandMessage = "message"
	commandEdit    = "edit"
	commandDelete  = "delete_message"
	commandPing    = "ping"
)

var errUnknownCommand = fmt.Errorf("%w: unknown command", races.ErrInvalidRequest)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socketCommand is an inbound websocket frame. Numbers arrive as float64 from
// JSON, so frames are decoded weakly.
type socketCommand struct {
	Action  string         `mapstructure:"action"`
	Version int64          `mapstructure:"version"`
	User    string         `mapstructure:"user"`
	Message string         `mapstructure:"message"`
	Seq     int64          `mapstructure:"seq"`
	Edit    map[string]any `mapstructure:"edit"`
}

type socketReply struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleRoomSocket streams room events over a websocket and accepts room
// commands on the same connection.
func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events, cleanup := h.feeds.Subscribe(ctx, ref)
	defer cleanup()

	actor := actorFrom(c)
	replies := make(chan socketReply, socketReplyBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeSocket(ctx, conn, actor, events, replies)
		_ = conn.Close()
	}()

	conn.SetReadLimit(socketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", zap.String("room", ref.String()), zap.Error(err))
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		reply := h.dispatchCommand(ctx, actor, ref, payload)
		select {
		case replies <- reply:
		case <-writerDone:
		}
	}
	cancel()
	<-writerDone
}

func (h *httpHandler) writeSocket(ctx context.Context, conn *websocket.Conn, actor races.Actor, events <-chan races.RoomEvent, replies <-chan socketReply) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		var frame any
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(socketWriteWait))
			return
		case event, open := <-events:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed closed"), time.Now().Add(socketWriteWait))
				return
			}
			frame = h.frameFor(ctx, actor, event)
		case reply := <-replies:
			frame = reply
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

// dispatchCommand decodes one frame and runs it against the room.
func (h *httpHandler) dispatchCommand(ctx context.Context, actor races.Actor, ref races.RoomRef, payload []byte) socketReply {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return errorReply("", fmt.Errorf("%w: frame is not a JSON object", races.ErrInvalidRequest))
	}
	var command socketCommand
	if err := mapstructure.WeakDecode(raw, &command); err != nil {
		return errorReply("", fmt.Errorf("%w: %v", races.ErrInvalidRequest, err))
	}
	if command.Action == commandPing {
		return socketReply{Type: "pong"}
	}
	if actor.Anonymous() {
		return socketReply{Type: "error", Action: command.Action, Error: "authentication_required", Message: "sign in to act in this room"}
	}

	switch command.Action {
	case commandMessage:
		message, err := h.rooms.PostMessage(ctx, actor, ref, command.Message)
		if err != nil {
			return errorReply(command.Action, err)
		}
		return socketReply{Type: "ack", Action: command.Action, Message: fmt.Sprintf("posted #%d", message.Seq)}
	case commandDelete:
		if err := h.rooms.DeleteMessage(ctx, actor, ref, command.Seq); err != nil {
			return errorReply(command.Action, err)
		}
		return socketReply{Type: "ack", Action: command.Action}
	case commandEdit:
		var edit races.Edit
		if err := mapstructure.WeakDecode(command.Edit, &edit); err != nil {
			return errorReply(command.Action, fmt.Errorf("%w: %v", races.ErrInvalidRequest, err))
		}
		snapshot, err := h.rooms.Edit(ctx, actor, ref, races.EditRequest{Edit: edit, ExpectedVersion: command.Version})
		if err != nil {
			return errorReply(command.Action, err)
		}
		return socketReply{Type: "ack", Action: command.Action, Version: snapshot.Version}
	}

	action, known := races.ParseAction(command.Action)
	if !known {
		return errorReply(command.Action, errUnknownCommand)
	}
	snapshot, err := h.rooms.Perform(ctx, actor, ref, races.ActionRequest{
		Action:          action,
		ExpectedVersion: command.Version,
		Target:          command.User,
	})
	if err != nil {
		return errorReply(command.Action, err)
	}
	return socketReply{Type: "ack", Action: command.Action, Version: snapshot.Version}
}

func errorReply(action string, err error) socketReply {
	_, payload := statusFor(err)
	if errors.Is(err, errUnknownCommand) {
		payload.Message = "unknown command"
	}
	return socketReply{Type: "error", Action: action, Error: payload.Error, Message: payload.Message}
}
