package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"safereply/internal/blocklist"
	"safereply/internal/connector"
	"safereply/internal/ingest"
	"safereply/internal/model"
	"safereply/internal/repository"
	"safereply/pkg/config"
	"safereply/pkg/otel"
)

// Ingester 一次轮询（*ingest.Orchestrator 实现）
type Ingester interface {
	IngestOnce(ctx context.Context, src connector.Source, user *model.User, maxResults int) (*ingest.Result, error)
}

// ActionHandler 卡片按钮动作（*action.Handler 实现）
type ActionHandler interface {
	HandleAction(ctx context.Context, openID, actionString string) error
}

// Alerter 深度健康检查失败时告警（*emergency.Notifier 实现）
type Alerter interface {
	NotifyDatabaseError(ctx context.Context, err error) bool
}

// Replayer outbox 事件重放（*outbox.ReplayService 实现），sqlite 存储下为 nil
type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type Deps struct {
	Ingester   Ingester
	Sources    map[model.SourceType]connector.Source
	Actions    ActionHandler
	Blocklist  *blocklist.Filter
	Users      repository.UserStore
	DB         repository.Pinger
	Redis      redis.Cmdable
	Alerter    Alerter
	Replayer   Replayer
	MaxResults int
	// LarkEvents webhook 模式的事件入口，ws 模式为 nil
	LarkEvents http.HandlerFunc
	// LarkToken 卡片回调的 verification token
	LarkToken string
	JWT       config.JWTConfig
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(d Deps, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), requestLogger(logger))

	h := &handlers{deps: d, logger: logger}

	// Health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", h.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Lark 回调自带 token 校验
	r.POST("/lark/card", h.cardAction)
	if d.LarkEvents != nil {
		r.POST("/lark/events", gin.WrapF(d.LarkEvents))
	}

	// Protected
	auth := r.Group("/")
	auth.Use(ServiceAuth(d.JWT))
	{
		auth.GET("/health/deep", h.deepHealth)
		auth.POST("/poll/:source", h.poll)

		auth.GET("/api/users/:id/blocklist", h.listBlocklist)
		auth.POST("/api/users/:id/blocklist", h.addBlocklist)
		auth.DELETE("/api/users/:id/blocklist", h.removeBlocklist)

		auth.POST("/admin/outbox/replay", h.replayEvent)
		auth.POST("/admin/outbox/replay-failed", h.replayFailed)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
