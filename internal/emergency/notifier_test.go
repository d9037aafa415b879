package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/notify"
)

type fakeChannel struct {
	cards []*notify.Card
	to    []string
	fail  map[string]bool
}

func (f *fakeChannel) SendCard(ctx context.Context, to string, card *notify.Card, audible bool) error {
	if f.fail[to] {
		return errors.New("send failed")
	}
	f.to = append(f.to, to)
	f.cards = append(f.cards, card)
	return nil
}

func (f *fakeChannel) SendText(ctx context.Context, to, text string) error { return nil }

func newNotifier(t *testing.T, ch *fakeChannel, owners ...string) (*Notifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	n := NewNotifier(ch, owners, rdb, config.EmergencyConfig{Cooldown: time.Hour}, zap.NewNop())
	return n, mr
}

func TestNotify_CooldownSuppressesSameKind(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	n, mr := newNotifier(t, ch, "ou_a", "ou_b")

	assert.True(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.False(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.Equal(t, []string{"ou_a", "ou_b"}, ch.to)
	assert.Equal(t, "【緊急】", ch.cards[0].Title)
	assert.Equal(t, "Gmail APIトークン失効", ch.cards[0].Subtitle)

	// 其他 kind 不受影响
	assert.True(t, n.NotifyDatabaseError(ctx, errors.New("conn refused")))
	assert.Len(t, ch.to, 4)

	mr.FastForward(time.Hour + time.Second)
	assert.True(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
}

func TestNotify_CooldownAppliesEvenWhenSendFails(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{fail: map[string]bool{"ou_a": true}}
	n, _ := newNotifier(t, ch, "ou_a")

	assert.False(t, n.NotifySystemDown(ctx, "worker exited", ""))
	ch.fail = nil
	assert.False(t, n.NotifySystemDown(ctx, "worker exited", ""))
	assert.Empty(t, ch.to)
}

func TestNotify_PartialDeliveryCountsAsSuccess(t *testing.T) {
	ch := &fakeChannel{fail: map[string]bool{"ou_a": true}}
	n, _ := newNotifier(t, ch, "ou_a", "ou_b")

	assert.True(t, n.SendWarning(context.Background(), "queue_backlog", "キュー滞留", "m", ""))
	assert.Equal(t, []string{"ou_b"}, ch.to)
	assert.Equal(t, notify.ThemeOrange, ch.cards[0].Theme)
}

func TestNotify_AckButtonAlwaysPresent(t *testing.T) {
	ch := &fakeChannel{}
	n, _ := newNotifier(t, ch, "ou_a")
	n.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.True(t, n.NotifyDatabaseError(context.Background(), errors.New("x")))
	btns := ch.cards[0].Buttons
	require.NotEmpty(t, btns)
	assert.Equal(t, "action=acknowledge_emergency&severity=critical&timestamp=1700000000000", btns[len(btns)-1].Value)
}

// reentrantChannel 发送时同步触发同一 kind 的告警，和飞书鉴权失败回调的路径一致
type reentrantChannel struct {
	n     *Notifier
	calls int
}

func (r *reentrantChannel) SendCard(ctx context.Context, to string, card *notify.Card, audible bool) error {
	r.calls++
	if r.calls > 50 {
		return errors.New("runaway")
	}
	r.n.NotifyTokenExpired(ctx, "Lark", errors.New("99991663"))
	return errors.New("lark error 99991663: invalid access token")
}

func (r *reentrantChannel) SendText(ctx context.Context, to, text string) error { return nil }

func TestNotify_ReentrantAlertWithRedisDown(t *testing.T) {
	ctx := context.Background()
	ch := &reentrantChannel{}
	n, mr := newNotifier(t, &fakeChannel{}, "ou_a")
	n.channel = ch
	ch.n = n
	mr.Close()

	assert.False(t, n.NotifyTokenExpired(ctx, "Lark", errors.New("99991663")))
	assert.Equal(t, 1, ch.calls)
}

func TestNotify_LocalCooldownWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	n, mr := newNotifier(t, ch, "ou_a")
	now := time.UnixMilli(1700000000000)
	n.now = func() time.Time { return now }
	mr.Close()

	assert.True(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.False(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.True(t, n.NotifyDatabaseError(ctx, errors.New("conn refused")))
	assert.Len(t, ch.to, 2)

	now = now.Add(time.Hour + time.Second)
	assert.True(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.Len(t, ch.to, 3)
}

func TestNotify_NoOwnersLeavesCooldownUntouched(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	n, mr := newNotifier(t, ch)

	assert.False(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.False(t, mr.Exists(cooldownKey("gmail_token_expired")))

	n.owners = []string{"ou_a"}
	assert.True(t, n.NotifyTokenExpired(ctx, "Gmail", errors.New("invalid_grant")))
	assert.Equal(t, []string{"ou_a"}, ch.to)
}
