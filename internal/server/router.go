package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/MarcoPoloResearchLab/boardsync/internal/entities"
	"github.com/MarcoPoloResearchLab/boardsync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "boardsync_user_id"
	profileContextKey = "boardsync_profile"
)

var (
	errMissingHub        = errors.New("collab hub dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingProfiles   = errors.New("profile resolver dependency required")
	errMissingPollTokens = errors.New("poll token manager dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

type PollTokenManager interface {
	IssuePollToken(ctx context.Context, grant auth.PollGrant) (string, int64, error)
	ValidatePollToken(token string) (auth.PollGrant, error)
}

type EditHistory interface {
	ListEdits(ctx context.Context, entity collab.EntityKey, limit int) ([]entities.EntityEdit, error)
}

// RealtimeConfig tunes the WebSocket and long-poll transports.
type RealtimeConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	PollWait        time.Duration
	PollIdleTimeout time.Duration
	MaxFrameBytes   int64
}

type Dependencies struct {
	Hub            *collab.Hub
	Sessions       SessionValidator
	Profiles       ProfileResolver
	PollTokens     PollTokenManager
	History        EditHistory
	AllowedOrigins []string
	Realtime       RealtimeConfig
	Logger         *zap.Logger
}

// Handler serves the REST snapshots and both realtime transports.
type Handler struct {
	router   *gin.Engine
	hub      *collab.Hub
	sessions SessionValidator
	profiles ProfileResolver
	history  EditHistory
	realtime RealtimeConfig
	polls    *pollSessions
	sockets  sync.Map
	logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.PollTokens == nil {
		return nil, errMissingPollTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &Handler{
		hub:      deps.Hub,
		sessions: deps.Sessions,
		profiles: deps.Profiles,
		history:  deps.History,
		realtime: withRealtimeDefaults(deps.Realtime),
		logger:   logger,
	}
	handler.polls = newPollSessions(deps.Hub, deps.PollTokens, handler.realtime, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/boards/:boardId/presence", handler.handleBoardPresence)
	protected.GET("/boards/:boardId/locks", handler.handleBoardLocks)
	protected.GET("/entities/:entityType/:entityId/version", handler.handleEntityVersion)
	if handler.history != nil {
		protected.GET("/entities/:entityType/:entityId/history", handler.handleEntityHistory)
	}
	protected.GET("/realtime/ws", handler.handleWebSocket)
	protected.POST("/realtime/poll", handler.handlePollOpen)

	// Poll requests carry the poll token instead of the session.
	router.GET("/realtime/poll", handler.handlePollReceive)
	router.POST("/realtime/poll/send", handler.handlePollSend)
	router.DELETE("/realtime/poll", handler.handlePollClose)

	handler.router = router
	return handler, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Run sweeps idle poll sessions until ctx is done, then closes every realtime
// connection so the hub sees each of them unregister.
func (h *Handler) Run(ctx context.Context) {
	h.polls.run(ctx)
	h.sockets.Range(func(key, value any) bool {
		if socket, ok := value.(*socketConn); ok {
			socket.close()
		}
		return true
	})
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *Handler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.ResolveProfile(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session carried no usable identity", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user profile", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.Set(userIDContextKey, profile.UserID)
	c.Set(profileContextKey, profile)
	c.Next()
}

func sessionFromContext(c *gin.Context) (collab.Session, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return collab.Session{}, false
	}
	profile, ok := value.(users.Profile)
	if !ok {
		return collab.Session{}, false
	}
	userID, err := collab.NewUserID(profile.UserID)
	if err != nil {
		return collab.Session{}, false
	}
	return collab.Session{
		UserID:      userID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}, true
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"connections":        h.hub.ConnectionCount(),
		"pollSessions":       h.polls.count(),
		"pendingCheckpoints": h.hub.PendingCheckpoints(),
	})
}

type boardPresenceResponse struct {
	BoardID  collab.BoardID          `json:"boardId"`
	Presence []collab.PresenceRecord `json:"presence"`
	Members  []collab.MemberInfo     `json:"members"`
}

func (h *Handler) handleBoardPresence(c *gin.Context) {
	boardID, err := collab.NewBoardID(c.Param("boardId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board"})
		return
	}
	c.JSON(http.StatusOK, boardPresenceResponse{
		BoardID:  boardID,
		Presence: nonNil(h.hub.BoardPresence(boardID)),
		Members:  nonNil(h.hub.BoardMembers(boardID)),
	})
}

type boardLocksResponse struct {
	BoardID collab.BoardID    `json:"boardId"`
	Locks   []collab.CardLock `json:"locks"`
}

func (h *Handler) handleBoardLocks(c *gin.Context) {
	boardID, err := collab.NewBoardID(c.Param("boardId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board"})
		return
	}
	c.JSON(http.StatusOK, boardLocksResponse{
		BoardID: boardID,
		Locks:   nonNil(h.hub.BoardLocks(boardID)),
	})
}

type entityVersionResponse struct {
	EntityType collab.EntityType      `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Version    int64                  `json:"version"`
	Conflict   *collab.ConflictRecord `json:"conflict,omitempty"`
}

func (h *Handler) handleEntityVersion(c *gin.Context) {
	entity, err := collab.NewEntityKey(c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity"})
		return
	}
	version, err := h.hub.EntityVersion(c.Request.Context(), entity)
	if err != nil {
		h.logger.Error("failed to load entity version", zap.String("entity", entity.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "version_unavailable"})
		return
	}
	response := entityVersionResponse{EntityType: entity.Type, EntityID: entity.ID, Version: version}
	if record, ok := h.hub.Conflict(entity); ok {
		response.Conflict = &record
	}
	c.JSON(http.StatusOK, response)
}

type entityEditPayload struct {
	EditID          string `json:"editId"`
	BoardID         string `json:"boardId"`
	UserID          string `json:"userId"`
	Field           string `json:"field"`
	Value           any    `json:"value,omitempty"`
	PreviousVersion int64  `json:"previousVersion"`
	Version         int64  `json:"version"`
	AppliedAtSecs   int64  `json:"appliedAtS"`
}

func (h *Handler) handleEntityHistory(c *gin.Context) {
	entity, err := collab.NewEntityKey(c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	edits, err := h.history.ListEdits(c.Request.Context(), entity, limit)
	if err != nil {
		h.logger.Error("failed to list entity edits", zap.String("entity", entity.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_unavailable"})
		return
	}
	response := make([]entityEditPayload, 0, len(edits))
	for _, edit := range edits {
		response = append(response, entityEditPayload{
			EditID:          edit.EditID,
			BoardID:         edit.BoardID,
			UserID:          edit.UserID,
			Field:           edit.Field,
			Value:           rawJSON(edit.ValueJSON),
			PreviousVersion: edit.PreviousVersion,
			Version:         edit.NewVersion,
			AppliedAtSecs:   edit.AppliedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entityType": entity.Type, "entityId": entity.ID, "edits": response})
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func rawJSON(value string) any {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}
