package emergency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/notify"
	"safereply/pkg/metrics"
)

// Event 一次系统健康告警；Kind 相同的告警在冷却期内只发一次
type Event struct {
	Kind     string
	Title    string
	Message  string
	Details  string
	Severity notify.Severity
}

// Notifier 向全部所有者发送告警卡片
type Notifier struct {
	channel   notify.Channel
	owners    []string
	rdb       redis.Cmdable
	cooldown  time.Duration
	actionURL string
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	local    map[string]time.Time // Redis 不可用时的进程内冷却
}

func NewNotifier(ch notify.Channel, owners []string, rdb redis.Cmdable, cfg config.EmergencyConfig, logger *zap.Logger) *Notifier {
	return &Notifier{
		channel:   ch,
		owners:    owners,
		rdb:       rdb,
		cooldown:  cfg.Cooldown,
		actionURL: cfg.ActionURL,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[string]bool),
		local:     make(map[string]time.Time),
	}
}

func cooldownKey(kind string) string {
	return "emergency:cooldown:" + kind
}

// acquire 冷却期内返回 false；不管随后发送是否成功，冷却都从这里开始
// Redis 不可用时退回进程内冷却
func (n *Notifier) acquire(ctx context.Context, kind string) bool {
	ok, err := n.rdb.SetNX(ctx, cooldownKey(kind), n.now().UnixMilli(), n.cooldown).Result()
	if err == nil {
		return ok
	}
	n.logger.Warn("Emergency cooldown check failed, using local cooldown",
		zap.String("kind", kind),
		zap.Error(err),
	)

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, seen := n.local[kind]; seen && now.Sub(last) < n.cooldown {
		return false
	}
	n.local[kind] = now
	return true
}

// enter 同一 kind 的发送过程中再次触发（渠道回调告警）时返回 false
func (n *Notifier) enter(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inflight[kind] {
		return false
	}
	n.inflight[kind] = true
	return true
}

func (n *Notifier) leave(kind string) {
	n.mu.Lock()
	delete(n.inflight, kind)
	n.mu.Unlock()
}

// Notify 至少一个所有者收到时返回 true
func (n *Notifier) Notify(ctx context.Context, ev Event) bool {
	if len(n.owners) == 0 {
		n.logger.Warn("No owners configured for emergency alert", zap.String("kind", ev.Kind))
		metrics.IncrementEmergency(ev.Kind, "failed")
		return false
	}
	if !n.enter(ev.Kind) {
		n.logger.Warn("Emergency alert raised while sending the same kind, dropped", zap.String("kind", ev.Kind))
		metrics.IncrementEmergency(ev.Kind, "suppressed")
		return false
	}
	defer n.leave(ev.Kind)

	if !n.acquire(ctx, ev.Kind) {
		n.logger.Info("Emergency alert suppressed by cooldown", zap.String("kind", ev.Kind))
		metrics.IncrementEmergency(ev.Kind, "suppressed")
		return false
	}

	card := notify.EmergencyCard(notify.Alert{
		Title:     ev.Title,
		Message:   ev.Message,
		Details:   ev.Details,
		Severity:  ev.Severity,
		Timestamp: n.now(),
		ActionURL: n.actionURL,
	})

	delivered := 0
	for _, owner := range n.owners {
		if err := n.channel.SendCard(ctx, owner, card, true); err != nil {
			n.logger.Error("Failed to send emergency alert",
				zap.String("kind", ev.Kind),
				zap.String("owner", owner),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}

	n.logger.Info("Emergency alert sent",
		zap.String("kind", ev.Kind),
		zap.String("severity", string(ev.Severity)),
		zap.Int("owners", len(n.owners)),
		zap.Int("delivered", delivered),
	)
	if delivered == 0 {
		metrics.IncrementEmergency(ev.Kind, "failed")
		return false
	}
	metrics.IncrementEmergency(ev.Kind, "sent")
	return true
}

func errText(err error) string {
	if err == nil {
		return "unknown"
	}
	s := err.Error()
	if r := []rune(s); len(r) > 500 {
		s = string(r[:500]) + "..."
	}
	return s
}

// NotifyTokenExpired 外部服务凭据失效，kind 为 <service>_token_expired
func (n *Notifier) NotifyTokenExpired(ctx context.Context, service string, err error) bool {
	return n.Notify(ctx, Event{
		Kind:     strings.ToLower(service) + "_token_expired",
		Title:    fmt.Sprintf("%s APIトークン失効", service),
		Message:  fmt.Sprintf("%sのAPIトークンが失効または無効です。", service),
		Details:  fmt.Sprintf("エラー詳細: %s\n\n設定を確認し、新しいトークンを設定してください。", errText(err)),
		Severity: notify.SeverityCritical,
	})
}

// NotifySystemDown 进程或依赖停止
func (n *Notifier) NotifySystemDown(ctx context.Context, reason, details string) bool {
	return n.Notify(ctx, Event{
		Kind:     "system_down",
		Title:    "システム停止検知",
		Message:  "システムが停止または異常な状態を検知しました。\n\n理由: " + reason,
		Details:  details,
		Severity: notify.SeverityCritical,
	})
}

// NotifyDatabaseError 数据库连接失败
func (n *Notifier) NotifyDatabaseError(ctx context.Context, err error) bool {
	return n.Notify(ctx, Event{
		Kind:     "database_error",
		Title:    "データベース接続エラー",
		Message:  "データベースへの接続に失敗しました。",
		Details:  fmt.Sprintf("エラー詳細: %s\n\nデータベースの状態を確認してください。", errText(err)),
		Severity: notify.SeverityCritical,
	})
}

// SendWarning 需要注意但未停止的状态
func (n *Notifier) SendWarning(ctx context.Context, kind, title, message, details string) bool {
	return n.Notify(ctx, Event{
		Kind:     kind,
		Title:    title,
		Message:  message,
		Details:  details,
		Severity: notify.SeverityWarning,
	})
}
