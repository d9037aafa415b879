package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/larkbot"
	"safereply/internal/model"
)

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

// writeError 按错误分类映射状态码，只返回简短说明
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status, msg = http.StatusNotFound, "not found"
	case apperr.KindValidation:
		status, msg = http.StatusBadRequest, "invalid request"
		var e *apperr.Error
		if errors.As(err, &e) && e.Msg != "" {
			msg = e.Msg
		}
	case apperr.KindConfiguration:
		status, msg = http.StatusServiceUnavailable, "service unavailable"
	case apperr.KindConflict:
		status, msg = http.StatusConflict, "conflict"
	case apperr.KindExternalService:
		status, msg = http.StatusBadGateway, "upstream error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *handlers) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	if err := h.deps.DB.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// deepHealth 数据库和 Redis；数据库失败时触发紧急告警
func (h *handlers) deepHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok", "redis": "ok"}
	healthy := true

	if err := h.deps.DB.Ping(ctx); err != nil {
		healthy = false
		checks["database"] = "error"
		h.logger.Error("Deep health: database unreachable", zap.Error(err))
		if h.deps.Alerter != nil {
			h.deps.Alerter.NotifyDatabaseError(context.WithoutCancel(ctx), err)
		}
	}
	if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
		healthy = false
		checks["redis"] = "error"
		h.logger.Error("Deep health: redis unreachable", zap.Error(err))
	}

	status := http.StatusOK
	checks["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		checks["status"] = "unhealthy"
	}
	c.JSON(status, checks)
}

// poll POST /poll/:source?user_id=&max_results=
func (h *handlers) poll(c *gin.Context) {
	source, err := model.ParseSourceType(c.Param("source"))
	if err != nil {
		writeError(c, apperr.NewValidation("poll", "unknown source"))
		return
	}
	src, ok := h.deps.Sources[source]
	if !ok {
		writeError(c, apperr.NewConfiguration("poll", "service unavailable: source not configured"))
		return
	}

	maxResults := h.deps.MaxResults
	if v := c.Query("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, apperr.NewValidation("poll", "invalid max_results"))
			return
		}
		maxResults = n
	}

	var user *model.User
	if id := c.Query("user_id"); id != "" {
		user, err = h.deps.Users.GetByID(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	res, err := h.deps.Ingester.IngestOnce(c.Request.Context(), src, user, maxResults)
	if err != nil {
		h.logger.Error("Poll failed", zap.String("source", string(source)), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// cardAction 卡片按钮回调：先应答，动作在后台执行
func (h *handlers) cardAction(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	act, err := larkbot.ParseCardAction(body, h.deps.LarkToken)
	if err != nil {
		if errors.Is(err, larkbot.ErrBadToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if act.Challenge != "" {
		c.JSON(http.StatusOK, gin.H{"challenge": act.Challenge})
		return
	}
	if act.OpenID == "" || act.Value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing action"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := h.deps.Actions.HandleAction(ctx, act.OpenID, act.Value); err != nil {
			h.logger.Warn("Card action finished with error",
				zap.String("open_id", act.OpenID),
				zap.Error(err),
			)
		}
	}()
	c.JSON(http.StatusOK, gin.H{})
}

func (h *handlers) blocklistUser(c *gin.Context) (*model.User, bool) {
	user, err := h.deps.Users.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return user, true
}

func (h *handlers) listBlocklist(c *gin.Context) {
	user, ok := h.blocklistUser(c)
	if !ok {
		return
	}
	entries, err := h.deps.Blocklist.List(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "entries": entries})
}

type blocklistRequest struct {
	Sender string `json:"sender" binding:"required"`
}

func (h *handlers) addBlocklist(c *gin.Context) {
	user, ok := h.blocklistUser(c)
	if !ok {
		return
	}
	var req blocklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sender is required"})
		return
	}
	entry, err := h.deps.Blocklist.Add(c.Request.Context(), user.ID, req.Sender)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("Blocklist entry added", zap.String("user_id", user.ID), zap.String("entry", entry))
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "entry": entry})
}

// removeBlocklist DELETE /api/users/:id/blocklist?sender=
func (h *handlers) removeBlocklist(c *gin.Context) {
	user, ok := h.blocklistUser(c)
	if !ok {
		return
	}
	if err := h.deps.Blocklist.Remove(c.Request.Context(), user.ID, c.Query("sender")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// replayEvent POST /admin/outbox/replay?id=xxx
func (h *handlers) replayEvent(c *gin.Context) {
	if h.deps.Replayer == nil {
		writeError(c, apperr.NewConfiguration("outbox.replay", "service unavailable: outbox disabled"))
		return
	}
	eventID, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}
	if err := h.deps.Replayer.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to replay event", zap.Int64("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
}

// replayFailed POST /admin/outbox/replay-failed?limit=100
func (h *handlers) replayFailed(c *gin.Context) {
	if h.deps.Replayer == nil {
		writeError(c, apperr.NewConfiguration("outbox.replay", "service unavailable: outbox disabled"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	n, err := h.deps.Replayer.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay failed events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}
