package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/sync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDContextKey = "lodestar_request_id"
	requestIDHeader     = "X-Request-ID"
	pokeHeartbeatPeriod = 25 * time.Second
)

var (
	errMissingSyncService = errors.New("sync service dependency required")
	errMissingDispatcher  = errors.New("poke dispatcher dependency required")
)

// SyncService is the reconciliation engine consumed by the HTTP boundary.
type SyncService interface {
	Pull(ctx context.Context, request sync.PullRequest) (*sync.PullResponse, error)
	Push(ctx context.Context, request sync.PushRequest) error
}

// Dependencies wires the HTTP handler's collaborators.
type Dependencies struct {
	SyncService SyncService
	Pokes       *PokeDispatcher
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync protocol endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Pokes == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		syncService: deps.SyncService,
		pokes:       deps.Pokes,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/api/replicache/pull", handler.handlePull)
	router.POST("/api/replicache/push", handler.handlePush)
	router.GET("/api/replicache/poke", handler.handlePoke)

	return router, nil
}

type httpHandler struct {
	syncService SyncService
	pokes       *PokeDispatcher
	logger      *zap.Logger
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	var request sync.PullRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.syncService.Pull(c.Request.Context(), request)
	if err != nil {
		h.writeSyncError(c, "pull failed", err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request sync.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.syncService.Push(c.Request.Context(), request); err != nil {
		h.writeSyncError(c, "push failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// handlePoke streams wake-up signals for one client group over SSE. Clients
// reconnect freely; missing a poke only delays their next pull.
func (h *httpHandler) handlePoke(c *gin.Context) {
	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_channel"})
		return
	}

	stream, cleanup := h.pokes.Subscribe(c.Request.Context(), channel)
	defer cleanup()

	heartbeat := time.NewTicker(pokeHeartbeatPeriod)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("poke", gin.H{"channel": message.Channel})
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{})
			return true
		}
	})
}

func (h *httpHandler) writeSyncError(c *gin.Context, message string, err error) {
	requestID := c.GetString(requestIDContextKey)
	switch {
	case errors.Is(err, sync.ErrValidation):
		h.logger.Warn(message, zap.Error(err), zap.String("request_id", requestID))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, sync.ErrProtocolViolation):
		h.logger.Warn(message, zap.Error(err), zap.String("request_id", requestID))
		c.JSON(http.StatusConflict, gin.H{"error": "mutation_out_of_order"})
	default:
		h.logger.Error(message, zap.Error(err), zap.String("request_id", requestID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
	}
}
