package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"safereply/internal/action"
	"safereply/internal/ai"
	"safereply/internal/blocklist"
	"safereply/internal/config"
	"safereply/internal/connector"
	"safereply/internal/dedup"
	"safereply/internal/editsession"
	"safereply/internal/emergency"
	"safereply/internal/ingest"
	"safereply/internal/larkbot"
	"safereply/internal/model"
	"safereply/internal/notify"
	"safereply/internal/owner"
	"safereply/internal/repository"
	"safereply/pkg/db"
	"safereply/pkg/outbox"
	"safereply/pkg/redis"
	"safereply/pkg/util"
)

// App 两个进程共用的组件
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Redis      *goredis.Client
	Stores     repository.Stores
	OutboxRepo *outbox.Repository // sqlite 存储下为 nil

	Lark      *larkbot.Client
	Gmail     *connector.Gmail
	Chat      *connector.LarkChat
	Sources   map[model.SourceType]connector.Source
	Owners    *owner.Registry
	Blocklist *blocklist.Filter
	Notifier  *notify.Dispatcher
	Emergency *emergency.Notifier

	Orchestrator *ingest.Orchestrator
	Actions      *action.Handler
}

// New 按配置装配全部组件，Redis 和存储不可用时直接返回错误
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.Redis = rdb

	if err := a.openStores(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	// 外部通道
	a.Lark = larkbot.NewClient(cfg.Lark, logger)
	a.Gmail = connector.NewGmail(cfg.Gmail, cfg.Owners, logger)
	a.Chat = connector.NewLarkChat(a.Lark, cfg.Owners, logger)
	a.Sources = map[model.SourceType]connector.Source{
		model.SourceMail: a.Gmail,
		model.SourceChat: a.Chat,
	}

	a.Owners = owner.NewRegistry(cfg.Owners)
	a.Emergency = emergency.NewNotifier(a.Lark, a.Owners.IDs(), rdb, cfg.Emergency, logger)

	aiClient := ai.NewClient(cfg.OpenAI, logger)
	a.wireAlerts(aiClient)

	drafter := ai.NewDrafter(aiClient)
	a.Blocklist = blocklist.NewFilter(a.Stores.Blocklist)
	a.Notifier = notify.NewDispatcher(a.Lark, ai.NewSoftener(aiClient, logger), a.Stores.Messages, cfg.Pipeline, logger)

	a.Orchestrator = ingest.NewOrchestrator(
		a.Stores.Messages,
		a.Stores.Users,
		a.Blocklist,
		dedup.NewRedisLedger(rdb, cfg.Pipeline.DedupTTL, logger),
		ai.NewClassifier(aiClient),
		drafter,
		a.Notifier,
		cfg.Pipeline,
		logger,
	)

	a.Actions = action.NewHandler(action.Deps{
		Messages:  a.Stores.Messages,
		Users:     a.Stores.Users,
		Blocklist: a.Blocklist,
		Drafter:   drafter,
		Sessions:  editsession.NewManager(rdb, cfg.Pipeline.EditTTL, logger),
		Replier:   a.Notifier,
		Mail:      a.Gmail,
		Chat:      a.Lark,
		Forward:   a.Orchestrator,
		Owners:    a.Owners,
		SendLock:  util.NewDeduper(rdb, cfg.Pipeline.SendLockTTL, logger),
	}, cfg.Pipeline, logger)

	a.Lark.OnText(func(ctx context.Context, msg larkbot.TextMessage) {
		if msg.ChatType != "" && msg.ChatType != "p2p" {
			return
		}
		if err := a.Actions.HandleEditText(ctx, msg.OpenID, msg.Text); err != nil {
			logger.Warn("Failed to handle owner text",
				zap.String("open_id", msg.OpenID),
				zap.Error(err),
			)
		}
	})

	if _, err := a.Owners.Sync(ctx, a.Stores.Users, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to sync owners: %w", err)
	}

	logger.Info("Components ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("owners", len(a.Owners.IDs())),
		zap.Bool("lark", cfg.Lark.Configured()),
		zap.Bool("gmail", cfg.Gmail.Configured()),
		zap.Bool("openai", cfg.OpenAI.APIKey != ""),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Storage.Driver {
	case "sqlite":
		sqlDB, err := db.NewSQLite(cfg.Storage.SQLitePath, a.Logger)
		if err != nil {
			return err
		}
		if err := repository.MigrateSQLite(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		a.Stores = repository.NewSQLiteStores(sqlDB)
	default:
		pool, err := db.NewConnection(cfg.DB, a.Logger)
		if err != nil {
			return err
		}
		if err := repository.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("failed to migrate postgres: %w", err)
		}
		a.OutboxRepo = outbox.NewRepository(pool)
		a.Stores = repository.NewPostgresStores(pool, a.OutboxRepo, cfg.Pipeline.OutboxGrace)
	}
	return nil
}

// wireAlerts 凭据失效统一走紧急通知
func (a *App) wireAlerts(aiClient *ai.Client) {
	aiClient.OnAuthFailure(func(ctx context.Context, err error) {
		a.Emergency.NotifyTokenExpired(ctx, "OpenAI", err)
	})
	a.Lark.OnAuthFailure(func(_ context.Context, err error) {
		// 飞书本身失效时告警也发不出去，只留日志
		a.Logger.Error("Lark credentials rejected", zap.Error(err))
	})
	a.Gmail.OnTokenExpired(func(ctx context.Context, service string, err error) {
		a.Emergency.NotifyTokenExpired(ctx, "Gmail", err)
	})
}

// SystemDown 致命错误退出前尽力通知所有者
func (a *App) SystemDown(reason string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	details := ""
	if err != nil {
		details = err.Error()
	}
	a.Emergency.NotifySystemDown(ctx, reason, details)
}

func (a *App) Close() {
	if a.Stores.Close != nil {
		a.Stores.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}
