package editsession

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "edit_mode:"

// Session 用户正在修改的草稿
type Session struct {
	MessageID    string    `json:"message_id"`
	CurrentDraft string    `json:"current_draft"`
	StartedAt    time.Time `json:"started_at"`
}

// Store 按用户保存编辑会话
type Store interface {
	Start(ctx context.Context, userID, messageID, draft string) error
	// Get 没有或已过期时返回 nil
	Get(ctx context.Context, userID string) (*Session, error)
	End(ctx context.Context, userID string) error
}

// Manager Redis SETEX 保存，读取时再按 started_at 校验一次过期
type Manager struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, ttl: ttl, logger: logger, now: time.Now}
}

func Key(userID string) string {
	return keyPrefix + userID
}

func (m *Manager) Start(ctx context.Context, userID, messageID, draft string) error {
	data, err := json.Marshal(Session{
		MessageID:    messageID,
		CurrentDraft: draft,
		StartedAt:    m.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, Key(userID), data, m.ttl).Err(); err != nil {
		return err
	}
	m.logger.Info("Edit session started",
		zap.String("user_id", userID),
		zap.String("message_id", messageID),
	)
	return nil
}

func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	data, err := m.rdb.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		// 坏数据直接丢弃
		m.logger.Warn("Dropping malformed edit session", zap.String("user_id", userID), zap.Error(err))
		_ = m.rdb.Del(ctx, Key(userID)).Err()
		return nil, nil
	}
	if m.now().Sub(s.StartedAt) > m.ttl {
		return nil, nil
	}
	return &s, nil
}

func (m *Manager) End(ctx context.Context, userID string) error {
	return m.rdb.Del(ctx, Key(userID)).Err()
}
