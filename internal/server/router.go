package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/auth"
	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey   = "raceroom_actor"
	accessTokenQuery  = "access_token"
	retryMessage      = "state changed, please retry"
	headerDateExact   = "X-Date-Exact"
	headerIfNoneMatch = "If-None-Match"
)

var (
	errMissingRooms    = errors.New("room service dependency required")
	errMissingFeeds    = errors.New("room feed dependency required")
	errMissingSessions = errors.New("session validator dependency required")
	errMissingActors   = errors.New("actor resolver dependency required")
)

// RoomService is the race room core as seen by the HTTP layer.
type RoomService interface {
	CreateRoom(ctx context.Context, actor races.Actor, categorySlug string, settings races.RoomSettings) (races.RoomSnapshot, error)
	Perform(ctx context.Context, actor races.Actor, ref races.RoomRef, request races.ActionRequest) (races.RoomSnapshot, error)
	Edit(ctx context.Context, actor races.Actor, ref races.RoomRef, request races.EditRequest) (races.RoomSnapshot, error)
	PostMessage(ctx context.Context, actor races.Actor, ref races.RoomRef, body string) (races.MessageView, error)
	DeleteMessage(ctx context.Context, actor races.Actor, ref races.RoomRef, seq int64) error
	Export(ctx context.Context, actor races.Actor, ref races.RoomRef) (races.Export, error)
	ViewerActions(ctx context.Context, actor races.Actor, snapshot races.RoomSnapshot) ([]races.Action, error)
	ChatLog(ctx context.Context, ref races.RoomRef) (races.ChatLog, error)
	ListCurrent(ctx context.Context, categorySlug string) ([]races.RoomSummary, error)
	ListPast(ctx context.Context, categorySlug string, page, pageSize int) ([]races.RoomSummary, error)
}

// RoomFeeds subscribes viewers to ordered room events.
type RoomFeeds interface {
	Subscribe(ctx context.Context, ref races.RoomRef) (<-chan races.RoomEvent, func())
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type ActorResolver interface {
	ResolveActor(ctx context.Context, claims auth.SessionClaims) (races.Actor, error)
}

type Dependencies struct {
	Rooms          RoomService
	Feeds          RoomFeeds
	Sessions       SessionValidator
	Actors         ActorResolver
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Feeds == nil {
		return nil, errMissingFeeds
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Actors == nil {
		return nil, errMissingActors
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		rooms:    deps.Rooms,
		feeds:    deps.Feeds,
		sessions: deps.Sessions,
		actors:   deps.Actors,
		logger:   logger,
	}

	router.Use(handler.identifyRequest)

	router.GET("/races", handler.handleListCurrent)
	router.GET("/c/:category/races", handler.handleCategoryRaces)
	router.GET("/c/:category/:race/data", handler.handleRoomData)
	router.GET("/c/:category/:race/log", handler.handleChatLog)
	router.GET("/c/:category/:race/stream", handler.handleRoomStream)
	router.GET("/c/:category/:race/ws", handler.handleRoomSocket)

	members := router.Group("/")
	members.Use(requireActor)
	members.POST("/c/:category/races", handler.handleCreateRoom)
	members.POST("/c/:category/:race/actions/:action", handler.handleAction)
	members.POST("/c/:category/:race/edit", handler.handleEdit)
	members.POST("/c/:category/:race/messages", handler.handlePostMessage)
	members.DELETE("/c/:category/:race/messages/:seq", handler.handleDeleteMessage)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", headerIfNoneMatch},
		ExposeHeaders:    []string{"ETag", headerDateExact, "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	rooms    RoomService
	feeds    RoomFeeds
	sessions SessionValidator
	actors   ActorResolver
	logger   *zap.Logger
}

// identifyRequest attaches the caller's actor. Requests without a session stay
// anonymous; a session that fails validation is rejected.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if errors.Is(err, auth.ErrMissingSessionToken) {
		c.Set(actorContextKey, races.Actor{})
		c.Next()
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	actor, err := h.actors.ResolveActor(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("actor resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func requireActor(c *gin.Context) {
	if actorFrom(c).Anonymous() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
		return
	}
	c.Next()
}

func actorFrom(c *gin.Context) races.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return races.Actor{}
	}
	actor, _ := value.(races.Actor)
	return actor
}

// roomRef reads the category and race path parameters. It writes a 400 and
// returns false when either is malformed.
func roomRef(c *gin.Context) (races.RoomRef, bool) {
	ref, err := races.NewRoomRef(c.Param("category"), c.Param("race"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return races.RoomRef{}, false
	}
	return ref, true
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// statusFor maps the room error taxonomy onto HTTP.
func statusFor(err error) (int, errorPayload) {
	payload := errorPayload{Message: err.Error()}
	var serviceErr *races.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, races.ErrVersionConflict):
		payload.Error = "version_conflict"
		payload.Message = retryMessage
		return http.StatusConflict, payload
	case errors.Is(err, races.ErrNotFound):
		payload.Error = "not_found"
		return http.StatusNotFound, payload
	case errors.Is(err, races.ErrInvalidRequest):
		payload.Error = "invalid_request"
		return http.StatusBadRequest, payload
	case errors.Is(err, races.ErrIllegalAction):
		payload.Error = "illegal_action"
		return http.StatusForbidden, payload
	case errors.Is(err, races.ErrInvariantViolation):
		payload.Error = "invariant_violation"
		return http.StatusUnprocessableEntity, payload
	default:
		payload.Error = "internal_error"
		payload.Message = "internal error"
		return http.StatusInternalServerError, payload
	}
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, payload := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, payload)
}
