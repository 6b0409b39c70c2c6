package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"github.com/MarcoPoloResearchLab/somnia/internal/journal"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "somnia_user_id"
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingAuthenticator  = errors.New("device authenticator dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingJournalService = errors.New("journal service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// DeviceAuthenticator resolves an opaque device key to a stable user id.
type DeviceAuthenticator interface {
	ResolveUserID(ctx context.Context, deviceKey string) (string, error)
}

// TokenManager issues and validates the bearer tokens protecting the API.
type TokenManager interface {
	IssueAccessToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Authenticator  DeviceAuthenticator
	TokenManager   TokenManager
	JournalService *journal.Service
	Events         *EventDispatcher
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.JournalService == nil {
		return nil, errMissingJournalService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		tokens:        deps.TokenManager,
		journal:       deps.JournalService,
		events:        events,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.POST("/api/v1/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/api/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/dreams", handler.handleListDreams)
	protected.POST("/dreams", handler.handleCreateDream)
	protected.PUT("/dreams/:remoteId", handler.handleUpdateDream)
	protected.DELETE("/dreams/:remoteId", handler.handleDeleteDream)
	protected.GET("/dreams/events", handler.handleDreamEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator DeviceAuthenticator
	tokens        TokenManager
	journal       *journal.Service
	events        *EventDispatcher
	logger        *zap.Logger
}

type deviceAuthRequestPayload struct {
	DeviceKey string `json:"device_key"`
}

type deviceAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

type dreamRequestPayload struct {
	Dream dreams.DreamAnalysis `json:"dream"`
}

type dreamResponsePayload struct {
	Dream dreams.DreamAnalysis `json:"dream"`
}

type dreamListResponsePayload struct {
	Dreams []dreams.DreamAnalysis `json:"dreams"`
}

type dreamEventPayload struct {
	RemoteIDs []int64 `json:"remoteIds"`
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, err := h.authenticator.ResolveUserID(c.Request.Context(), request.DeviceKey)
	if err != nil {
		h.logger.Warn("device key resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAccessToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, deviceAuthResponsePayload{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		UserID:      userID,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		// EventSource clients cannot set headers on the stream request.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) handleListDreams(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	list, err := h.journal.ListDreams(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list dreams", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse("list_failed", err))
		return
	}

	c.JSON(http.StatusOK, dreamListResponsePayload{Dreams: list})
}

func (h *httpHandler) handleCreateDream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ownerID, err := journal.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request dreamRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(request.Dream.ClientRequestID)
	}
	requestID, err := journal.NewClientRequestID(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}

	created, err := h.journal.CreateDream(c.Request.Context(), ownerID, request.Dream, requestID)
	if err != nil {
		h.logger.Error("failed to create dream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse("create_failed", err))
		return
	}

	h.publishChange(userID, created.RemoteID)
	c.JSON(http.StatusCreated, dreamResponsePayload{Dream: created})
}

func (h *httpHandler) handleUpdateDream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ownerID, err := journal.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	remoteID, err := strconv.ParseInt(c.Param("remoteId"), 10, 64)
	if err != nil || remoteID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_remote_id"})
		return
	}

	var request dreamRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entity := request.Dream
	entity.RemoteID = remoteID

	updated, err := h.journal.UpdateDream(c.Request.Context(), ownerID, entity)
	if err != nil {
		if errors.Is(err, journal.ErrDreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("failed to update dream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse("update_failed", err))
		return
	}

	h.publishChange(userID, updated.RemoteID)
	c.JSON(http.StatusOK, dreamResponsePayload{Dream: updated})
}

func (h *httpHandler) handleDeleteDream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ownerID, err := journal.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	remoteID, err := strconv.ParseInt(c.Param("remoteId"), 10, 64)
	if err != nil || remoteID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_remote_id"})
		return
	}

	if err := h.journal.DeleteDream(c.Request.Context(), ownerID, remoteID); err != nil {
		if errors.Is(err, journal.ErrDreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("failed to delete dream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse("delete_failed", err))
		return
	}

	h.publishChange(userID, remoteID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDreamEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cancel := h.events.Subscribe(c.Request.Context(), userID)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, dreamEventPayload{RemoteIDs: message.RemoteIDs})
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, "{}")
			return true
		}
	})
}

func (h *httpHandler) publishChange(userID string, remoteIDs ...int64) {
	h.events.Publish(EventMessage{
		UserID:    userID,
		EventType: EventDreamsChanged,
		RemoteIDs: remoteIDs,
		Timestamp: time.Now().UTC(),
	})
}

func errorResponse(message string, err error) gin.H {
	payload := gin.H{"error": message}
	var serviceErr *journal.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	return payload
}
