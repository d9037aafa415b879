package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safereply/pkg/circuitbreaker"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduper_AcquireOnceAndRelease(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "send", "m1"))
	assert.False(t, d.AcquireOnce(ctx, "send", "m1"))
	assert.True(t, d.AcquireOnce(ctx, "send", "m2"))
	assert.True(t, mr.Exists("dedup:send:m1"))

	d.Release(ctx, "send", "m1")
	assert.True(t, d.AcquireOnce(ctx, "send", "m1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "send", "m2"))
}

func TestDeduper_RedisDownAllows(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "send", "m1"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newRedis(t)
	r := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("message_ingested", "m1")
	assert.Equal(t, "retry:message_ingested:m1", key)

	n, err := r.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = r.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Hour, mr.TTL(key))

	require.NoError(t, r.Reset(ctx, key))
	assert.False(t, mr.Exists(key))
}

func TestIsRetryableError(t *testing.T) {
	syntaxErr := json.Unmarshal([]byte("{"), &struct{}{})

	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"json", syntaxErr, false, "json_decode_error"},
		{"no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), false, "not_found"},
		{"unique pg", &pgconn.PgError{Code: UniqueViolation}, false, "duplicate_key"},
		{"unique sqlite", errors.New("constraint failed: UNIQUE constraint failed: messages.id"), false, "duplicate_key"},
		{"circuit open", fmt.Errorf("openai: %w", circuitbreaker.ErrOpen), true, "circuit_open"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"pg connection", &pgconn.PgError{Code: "08006"}, true, "db_connection_error"},
		{"pg other", &pgconn.PgError{Code: "42P01"}, false, "db_error"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}
