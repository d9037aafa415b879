package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"safereply/internal/model"
)

// Ledger 快速路径："是否已处理过"
// 只是过滤器，正确性由消息表的唯一约束兜底
type Ledger interface {
	Seen(ctx context.Context, userID string, source model.SourceType, sourceMessageID string) bool
	MarkSeen(ctx context.Context, userID string, source model.SourceType, sourceMessageID string)
}

// RedisLedger processed:<source>:<user> 集合，整体过期
type RedisLedger struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLedger(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl, logger: logger}
}

// Key processed:<source>:<user>
func Key(userID string, source model.SourceType) string {
	return fmt.Sprintf("processed:%s:%s", source, userID)
}

// Seen Redis 不可用时返回 false，交给唯一约束兜底
func (l *RedisLedger) Seen(ctx context.Context, userID string, source model.SourceType, sourceMessageID string) bool {
	ok, err := l.rdb.SIsMember(ctx, Key(userID, source), sourceMessageID).Result()
	if err != nil {
		l.logger.Warn("Dedup ledger lookup failed, falling back to store constraint",
			zap.String("user_id", userID),
			zap.String("source", string(source)),
			zap.String("source_message_id", sourceMessageID),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// MarkSeen 写入失败只记录日志
func (l *RedisLedger) MarkSeen(ctx context.Context, userID string, source model.SourceType, sourceMessageID string) {
	key := Key(userID, source)
	pipe := l.rdb.TxPipeline()
	pipe.SAdd(ctx, key, sourceMessageID)
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Dedup ledger mark failed",
			zap.String("user_id", userID),
			zap.String("source", string(source)),
			zap.String("source_message_id", sourceMessageID),
			zap.Error(err),
		)
	}
}
