package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"safereply/internal/model"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "processed:mail:u1", Key("u1", model.SourceMail))
	assert.Equal(t, "processed:chat:u1", Key("u1", model.SourceChat))
}

func TestRedisLedger_FailsOpen(t *testing.T) {
	// 指向不存在的端口，所有命令都会失败
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := NewRedisLedger(rdb, time.Hour, zap.NewNop())
	ctx := context.Background()

	assert.False(t, l.Seen(ctx, "u1", model.SourceMail, "m1"))
	assert.NotPanics(t, func() { l.MarkSeen(ctx, "u1", model.SourceMail, "m1") })
}

func TestRedisLedger_MarkSeenSetsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewRedisLedger(rdb, 30*24*time.Hour, zap.NewNop())
	ctx := context.Background()

	assert.False(t, l.Seen(ctx, "u1", model.SourceMail, "m1"))
	l.MarkSeen(ctx, "u1", model.SourceMail, "m1")
	assert.True(t, l.Seen(ctx, "u1", model.SourceMail, "m1"))

	// 按用户和来源隔离
	assert.False(t, l.Seen(ctx, "u2", model.SourceMail, "m1"))
	assert.False(t, l.Seen(ctx, "u1", model.SourceChat, "m1"))

	assert.Equal(t, 30*24*time.Hour, mr.TTL(Key("u1", model.SourceMail)))
	mr.FastForward(31 * 24 * time.Hour)
	assert.False(t, l.Seen(ctx, "u1", model.SourceMail, "m1"))
}
