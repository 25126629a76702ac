package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"github.com/gin-gonic/gin"
)

type roomDataPayload struct {
	races.RoomSnapshot
	AvailableActions []races.Action `json:"available_actions"`
}

type categoryRacesPayload struct {
	Current []races.RoomSummary `json:"current_races"`
	Past    []races.RoomSummary `json:"past_races"`
	Page    int                 `json:"page"`
}

type actionRequestPayload struct {
	Version int64  `json:"version"`
	Target  string `json:"user"`
}

type editRequestPayload struct {
	Version int64 `json:"version"`
	races.Edit
}

type messageRequestPayload struct {
	Message string `json:"message"`
}

type roomResponsePayload struct {
	Race             races.RoomSnapshot `json:"race"`
	AvailableActions []races.Action     `json:"available_actions"`
}

func (h *httpHandler) handleListCurrent(c *gin.Context) {
	rooms, err := h.rooms.ListCurrent(c.Request.Context(), "")
	if err != nil {
		h.writeError(c, "list_current", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"races": rooms})
}

func (h *httpHandler) handleCategoryRaces(c *gin.Context) {
	category := c.Param("category")
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "page must be a positive integer"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("per_page", "0"))
	if err != nil || pageSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "per_page must be a positive integer"})
		return
	}

	current, err := h.rooms.ListCurrent(c.Request.Context(), category)
	if err != nil {
		h.writeError(c, "list_category", err)
		return
	}
	past, err := h.rooms.ListPast(c.Request.Context(), category, page, pageSize)
	if err != nil {
		h.writeError(c, "list_category", err)
		return
	}
	c.JSON(http.StatusOK, categoryRacesPayload{Current: current, Past: past, Page: page})
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var settings races.RoomSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed room settings"})
		return
	}
	actor := actorFrom(c)
	snapshot, err := h.rooms.CreateRoom(c.Request.Context(), actor, c.Param("category"), settings)
	if err != nil {
		h.writeError(c, "create_room", err)
		return
	}
	c.Header("Location", fmt.Sprintf("/c/%s/%s", snapshot.Category, snapshot.Slug))
	h.respondWithRoom(c, http.StatusCreated, actor, snapshot)
}

// handleRoomData serves the polling export. The ETag covers the snapshot only,
// so a 304 still reflects the caller's actions for that version.
func (h *httpHandler) handleRoomData(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	export, err := h.rooms.Export(c.Request.Context(), actorFrom(c), ref)
	if err != nil {
		h.writeError(c, "room_data", err)
		return
	}

	c.Header("ETag", export.ETag)
	c.Header("Vary", "Authorization, Cookie")
	c.Header("Cache-Control", "no-cache")
	c.Header(headerDateExact, export.ExportedAt.UTC().Format(time.RFC3339Nano))
	if etagMatches(c.GetHeader(headerIfNoneMatch), export.ETag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, roomDataPayload{RoomSnapshot: export.Snapshot, AvailableActions: nonNilActions(export.Actions)})
}

// etagMatches applies the weak comparison If-None-Match calls for: any listed
// tag, with or without the W/ prefix, or "*".
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if candidate != "" && strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

func (h *httpHandler) handleChatLog(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	log, err := h.rooms.ChatLog(c.Request.Context(), ref)
	if err != nil {
		h.writeError(c, "chat_log", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, log.Filename))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(log.Content))
}

func (h *httpHandler) handleAction(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	action, known := races.ParseAction(c.Param("action"))
	if !known || action == races.ActionMessage || action == races.ActionEdit || action == races.ActionDeleteMessage {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown action"})
		return
	}
	var request actionRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed action request"})
			return
		}
	}

	actor := actorFrom(c)
	snapshot, err := h.rooms.Perform(c.Request.Context(), actor, ref, races.ActionRequest{
		Action:          action,
		ExpectedVersion: request.Version,
		Target:          strings.TrimSpace(request.Target),
	})
	if err != nil {
		h.writeError(c, "perform_action", err)
		return
	}
	h.respondWithRoom(c, http.StatusOK, actor, snapshot)
}

func (h *httpHandler) handleEdit(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	var request editRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed edit request"})
		return
	}
	actor := actorFrom(c)
	snapshot, err := h.rooms.Edit(c.Request.Context(), actor, ref, races.EditRequest{
		Edit:            request.Edit,
		ExpectedVersion: request.Version,
	})
	if err != nil {
		h.writeError(c, "edit_room", err)
		return
	}
	h.respondWithRoom(c, http.StatusOK, actor, snapshot)
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed message"})
		return
	}
	message, err := h.rooms.PostMessage(c.Request.Context(), actorFrom(c), ref, request.Message)
	if err != nil {
		h.writeError(c, "post_message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": message})
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	ref, ok := roomRef(c)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "message sequence must be a positive integer"})
		return
	}
	if err := h.rooms.DeleteMessage(c.Request.Context(), actorFrom(c), ref, seq); err != nil {
		h.writeError(c, "delete_message", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondWithRoom(c *gin.Context, status int, actor races.Actor, snapshot races.RoomSnapshot) {
	actions, err := h.rooms.ViewerActions(c.Request.Context(), actor, snapshot)
	if err != nil {
		h.writeError(c, "viewer_actions", err)
		return
	}
	c.JSON(status, roomResponsePayload{Race: snapshot, AvailableActions: nonNilActions(actions)})
}

func nonNilActions(actions []races.Action) []races.Action {
	if actions == nil {
		return []races.Action{}
	}
	return actions
}
