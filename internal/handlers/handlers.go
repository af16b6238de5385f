// Package handlers exposes the engine's state over a read-mostly HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wesbrine/hydra-social/internal/factory"
	"github.com/Wesbrine/hydra-social/internal/timeline"
	"github.com/Wesbrine/hydra-social/pkg/api/common"
	"github.com/Wesbrine/hydra-social/pkg/logging"
	"github.com/Wesbrine/hydra-social/pkg/middleware"
)

const serviceName = "timelined"

// Handlers serves engine snapshots.
type Handlers struct {
	engine *timeline.Engine
	logger logging.Logger
}

// New creates handlers over engine.
func New(engine *timeline.Engine, logger logging.Logger) *Handlers {
	return &Handlers{engine: engine, logger: logging.OrDiscard(logger)}
}

// Register mounts the routes. Mutating routes require token when it is
// not empty.
func (h *Handlers) Register(router gin.IRouter, token string) {
	router.GET("/feeds", h.ListFeeds)
	router.GET("/feeds/:id", h.GetFeed)
	router.GET("/columns", h.ListColumns)
	router.GET("/notifications", h.ListNotifications)
	router.GET("/notifications/groups", h.ListNotificationGroups)
	router.GET("/conversations", h.ListConversations)
	router.GET("/announcements", h.ListAnnouncements)
	router.GET("/subscriptions", h.ListSubscriptions)

	admin := router.Group("/")
	admin.Use(middleware.BearerAuthMiddleware(token))
	admin.POST("/feeds/:id/backfill", h.Backfill)
	admin.POST("/columns", h.OpenColumn)
	admin.DELETE("/columns/:id", h.CloseColumn)
}

func (h *Handlers) fail(c *gin.Context, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		middleware.GetContextLogger(c, h.logger).WithError(err).Warn("Request failed")
	}
	c.AbortWithStatusJSON(status, common.ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Service: serviceName,
	})
}

// limit reads ?limit=, 0 when absent.
func (h *Handlers) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.fail(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

// ListFeeds handles GET /feeds.
func (h *Handlers) ListFeeds(c *gin.Context) {
	feeds, err := h.engine.Feeds(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, common.NewListResponse(feeds))
}

// GetFeed handles GET /feeds/:id.
func (h *Handlers) GetFeed(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	snap, found, err := h.engine.Feed(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	if !found {
		h.fail(c, http.StatusNotFound, "feed_not_found", timeline.ErrUnknownFeed)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Backfill handles POST /feeds/:id/backfill. It answers once the page is
// applied.
func (h *Handlers) Backfill(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Backfill(c.Request.Context(), id); err != nil {
		if errors.Is(err, timeline.ErrUnknownFeed) {
			h.fail(c, http.StatusNotFound, "feed_not_found", err)
			return
		}
		h.fail(c, http.StatusBadGateway, "backfill_failed", err)
		return
	}
	snap, _, err := h.engine.Feed(c.Request.Context(), id, 0)
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListColumns handles GET /columns.
func (h *Handlers) ListColumns(c *gin.Context) {
	cols, err := h.engine.Columns(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, common.NewListResponse(cols))
}

// OpenColumn handles POST /columns with a feed spec body.
func (h *Handlers) OpenColumn(c *gin.Context) {
	var spec factory.FeedSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	id, err := h.engine.OpenColumn(c.Request.Context(), spec)
	if err != nil {
		if errors.Is(err, factory.ErrInvalidFeed) || errors.Is(err, factory.ErrUnknownKind) {
			h.fail(c, http.StatusBadRequest, "invalid_feed", err)
			return
		}
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "feed_id": spec.Normalize().FeedID()})
}

// CloseColumn handles DELETE /columns/:id.
func (h *Handlers) CloseColumn(c *gin.Context) {
	if err := h.engine.CloseColumn(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, timeline.ErrUnknownColumn) {
			h.fail(c, http.StatusNotFound, "column_not_found", err)
			return
		}
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListNotifications handles GET /notifications (ungrouped).
func (h *Handlers) ListNotifications(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	ns, err := h.engine.Notifications(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, common.NewListResponse(ns))
}

// ListNotificationGroups handles GET /notifications/groups.
func (h *Handlers) ListNotificationGroups(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	snap, err := h.engine.NotificationGroups(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListConversations handles GET /conversations.
func (h *Handlers) ListConversations(c *gin.Context) {
	convs, err := h.engine.Conversations(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, common.NewListResponse(convs))
}

// ListAnnouncements handles GET /announcements.
func (h *Handlers) ListAnnouncements(c *gin.Context) {
	anns, err := h.engine.Announcements(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, common.NewListResponse(anns))
}

// ListSubscriptions handles GET /subscriptions.
func (h *Handlers) ListSubscriptions(c *gin.Context) {
	subs, err := h.engine.Subscriptions(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusServiceUnavailable, "engine_unavailable", err)
		return
	}
	c.JSON(http.StatusOK, common.NewListResponse(subs))
}

// NotFound renders unknown routes.
func (h *Handlers) NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, common.ErrorResponse{
		Error:   "Endpoint not found",
		Code:    "not_found",
		Service: serviceName,
	})
}
