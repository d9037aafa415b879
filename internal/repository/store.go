package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"safereply/internal/model"
	"safereply/pkg/outbox"
)

// 聚合类型与路由键，outbox 恢复使用
const (
	AggregateMessage       = "message"
	RoutingMessageIngested = "message.ingested"
)

// TriageUpdate 分类结果落库字段
type TriageUpdate struct {
	Type          model.TriageType
	Reason        string
	PriorityScore int
	Confidence    float64
}

// MessageStore 消息的持久化
// Insert 遇到 (user_id, source_type, source_message_id) 冲突时返回 apperr Conflict
type MessageStore interface {
	Insert(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	FindBySource(ctx context.Context, userID string, source model.SourceType, sourceMessageID string) (*model.Message, error)
	UpdateTriage(ctx context.Context, id string, t TriageUpdate) error
	UpdateDraft(ctx context.Context, id string, draft string) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status model.Status, at time.Time) error
	// ThreadHistory 同一线程中早于 before 的消息，按时间倒序，最多 limit 条
	ThreadHistory(ctx context.Context, userID, threadID string, before time.Time, limit int) ([]*model.Message, error)
	// CompletePipeline 摄取流水线已走完，无需再恢复
	CompletePipeline(ctx context.Context, id string) error
}

// UserStore 所有者
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByChannelID(ctx context.Context, channelID string) (*model.User, error)
	GetOrCreateByChannelID(ctx context.Context, channelID, displayName, email string) (*model.User, error)
	ListActive(ctx context.Context) ([]*model.User, error)
}

// BlocklistStore 每个用户的屏蔽发件人集合，sender 已规范化
type BlocklistStore interface {
	Add(ctx context.Context, userID, sender string) error
	Remove(ctx context.Context, userID, sender string) error
	Contains(ctx context.Context, userID string, senders ...string) (bool, error)
	List(ctx context.Context, userID string) ([]string, error)
}

// Pinger 用于健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores 一种存储后端提供的全部仓储
type Stores struct {
	Messages  MessageStore
	Users     UserStore
	Blocklist BlocklistStore
	DB        Pinger
	Close     func()
}

// NewPostgresStores outboxRepo 为 nil 时不写恢复事件
func NewPostgresStores(db *pgxpool.Pool, outboxRepo *outbox.Repository, grace time.Duration) Stores {
	return Stores{
		Messages:  NewMessageRepository(db, outboxRepo, grace),
		Users:     NewUserRepository(db),
		Blocklist: NewBlocklistRepository(db),
		DB:        db,
		Close:     db.Close,
	}
}
