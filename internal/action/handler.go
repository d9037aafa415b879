package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"safereply/internal/ai"
	"safereply/internal/apperr"
	"safereply/internal/blocklist"
	"safereply/internal/command"
	"safereply/internal/config"
	"safereply/internal/connector"
	"safereply/internal/editsession"
	"safereply/internal/model"
	"safereply/internal/notify"
	"safereply/internal/owner"
	"safereply/internal/repository"
	"safereply/pkg/metrics"
	"safereply/pkg/util"
)

// 对所有者展示的提示文案
const (
	textUnknownAction   = "操作を認識できませんでした。もう一度お試しください。"
	textUserNotFound    = "ユーザー情報が見つかりませんでした。"
	textMessageNotFound = "対象のメッセージが見つかりませんでした。"
	textInternalError   = "処理中にエラーが発生しました。しばらくしてから再度お試しください。"
)

// Replier 向所有者回复卡片和文本（*notify.Dispatcher 实现）
type Replier interface {
	SendCard(ctx context.Context, user *model.User, card *notify.Card) error
	SendText(ctx context.Context, user *model.User, text string) error
	SendChunked(ctx context.Context, user *model.User, text string) error
}

// ForwardIngester 会话外的文本按转发消息摄取（*ingest.Orchestrator 实现）
type ForwardIngester interface {
	IngestForwarded(ctx context.Context, user *model.User, text string) (*model.Message, error)
}

// Handler 处理卡片按钮动作和所有者发来的文本
type Handler struct {
	messages  repository.MessageStore
	users     repository.UserStore
	blocklist *blocklist.Filter
	drafter   ai.Drafter
	sessions  editsession.Store
	replier   Replier
	mail      connector.MailSender
	chat      connector.ChatSender
	forward   ForwardIngester
	owners    *owner.Registry
	sendLock  *util.Deduper
	editTTL   time.Duration
	history   int
	logger    *zap.Logger
	now       func() time.Time
}

type Deps struct {
	Messages  repository.MessageStore
	Users     repository.UserStore
	Blocklist *blocklist.Filter
	Drafter   ai.Drafter
	Sessions  editsession.Store
	Replier   Replier
	Mail      connector.MailSender
	Chat      connector.ChatSender
	Forward   ForwardIngester
	Owners    *owner.Registry
	SendLock  *util.Deduper
}

func NewHandler(d Deps, cfg config.PipelineConfig, logger *zap.Logger) *Handler {
	return &Handler{
		messages:  d.Messages,
		users:     d.Users,
		blocklist: d.Blocklist,
		drafter:   d.Drafter,
		sessions:  d.Sessions,
		replier:   d.Replier,
		mail:      d.Mail,
		chat:      d.Chat,
		forward:   d.Forward,
		owners:    d.Owners,
		sendLock:  d.SendLock,
		editTTL:   cfg.EditTTL,
		history:   repository.HistoryLimit(cfg.ThreadHistory),
		logger:    logger,
		now:       time.Now,
	}
}

// userError 带给所有者看的短文案，内部错误不原样透出
type userError struct {
	text string
	err  error
}

func (e *userError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.text, e.err)
	}
	return e.text
}

func (e *userError) Unwrap() error { return e.err }

func fail(text string, err error) error {
	return &userError{text: text, err: err}
}

// resolveUser 白名单外返回 nil, nil
func (h *Handler) resolveUser(ctx context.Context, openID string) (*model.User, error) {
	if !h.owners.Allowed(openID) {
		h.logger.Warn("Ignoring event from non-owner", zap.String("open_id", openID))
		return nil, nil
	}
	user, err := h.users.GetByChannelID(ctx, openID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// resolveMessage 不属于该用户的消息按不存在处理
func (h *Handler) resolveMessage(ctx context.Context, user *model.User, id string) (*model.Message, error) {
	m, err := h.messages.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.NotFound) {
			return nil, fail(textMessageNotFound, err)
		}
		return nil, fail(textInternalError, err)
	}
	if m.UserID != user.ID {
		return nil, fail(textMessageNotFound, apperr.NewNotFound("action.resolve", "message owned by another user"))
	}
	return m, nil
}

// HandleAction 解析按钮携带的动作字符串并执行
// 失败时已经向所有者回复过提示，返回的 error 只用于日志
func (h *Handler) HandleAction(ctx context.Context, openID, actionString string) error {
	user, err := h.resolveUser(ctx, openID)
	if err != nil {
		h.logger.Error("Failed to resolve user", zap.String("open_id", openID), zap.Error(err))
		return err
	}
	if user == nil {
		return nil
	}

	cmd, err := command.Decode(actionString)
	if err != nil {
		metrics.IncrementAction("invalid", "failed")
		h.reply(ctx, user, textUnknownAction)
		return err
	}

	err = h.execute(ctx, user, cmd)
	result := "ok"
	if err != nil {
		result = "failed"
		text := textInternalError
		var ue *userError
		if errors.As(err, &ue) {
			text = ue.text
		}
		h.reply(ctx, user, text)
		h.logger.Warn("Action failed",
			zap.String("user_id", user.ID),
			zap.String("action", cmd.Name()),
			zap.Error(err),
		)
	}
	metrics.IncrementAction(cmd.Name(), result)
	return err
}

func (h *Handler) execute(ctx context.Context, user *model.User, cmd command.Command) error {
	var m *model.Message
	if mc, ok := cmd.(command.MessageCommand); ok {
		var err error
		if m, err = h.resolveMessage(ctx, user, mc.Target()); err != nil {
			return err
		}
	}

	switch c := cmd.(type) {
	case command.Send:
		return h.send(ctx, user, m)
	case command.ViewDraft:
		return h.viewDraft(ctx, user, m)
	case command.Edit:
		return h.edit(ctx, user, m)
	case command.EditRegenerate:
		return h.regenerate(ctx, user, m, c.Tone)
	case command.Dismiss:
		return h.transition(ctx, user, m, model.StatusDismissed, "対応不要にしました。")
	case command.Read:
		return h.transition(ctx, user, m, model.StatusRead, "既読にしました。")
	case command.Acknowledge:
		return h.acknowledge(ctx, user, m)
	case command.Block:
		return h.block(ctx, user, m)
	case command.Blocklist:
		return h.listBlocked(ctx, user)
	case command.AcknowledgeEmergency:
		h.logger.Info("Emergency alert acknowledged",
			zap.String("user_id", user.ID),
			zap.String("severity", c.Severity),
			zap.String("timestamp", c.Timestamp),
		)
		h.reply(ctx, user, "✅ アラートを確認しました。")
		return nil
	}
	return fail(textUnknownAction, fmt.Errorf("unhandled command %s", cmd.Name()))
}

func (h *Handler) reply(ctx context.Context, user *model.User, text string) {
	if err := h.replier.SendText(ctx, user, text); err != nil {
		h.logger.Warn("Failed to reply to owner", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func (h *Handler) transition(ctx context.Context, user *model.User, m *model.Message, status model.Status, text string) error {
	if err := h.messages.UpdateStatus(ctx, m.ID, status, h.now()); err != nil {
		return fail(textInternalError, err)
	}
	h.reply(ctx, user, text)
	return nil
}

func (h *Handler) viewDraft(ctx context.Context, user *model.User, m *model.Message) error {
	if !m.HasDraft() {
		return fail("このメッセージには返信案がありません。", apperr.NewValidation("action.view_draft", "no draft"))
	}
	if err := h.replier.SendChunked(ctx, user, "📝 返信案（全文）\n\n"+m.Draft()); err != nil {
		return fail(textInternalError, err)
	}
	return nil
}

func (h *Handler) block(ctx context.Context, user *model.User, m *model.Message) error {
	if m.SourceType == model.SourceForwarded {
		return fail("転送メッセージの送信者はブロックできません。", apperr.NewValidation("action.block", "forwarded sender"))
	}
	entry, err := h.blocklist.Add(ctx, user.ID, m.SenderIdentifier)
	if err != nil {
		return fail("ブロックに失敗しました。", err)
	}
	h.reply(ctx, user, fmt.Sprintf("🚫 %s をブロックしました。今後この送信者からのメッセージは通知されません。", entry))
	return nil
}

func (h *Handler) listBlocked(ctx context.Context, user *model.User) error {
	entries, err := h.blocklist.List(ctx, user.ID)
	if err != nil {
		return fail(textInternalError, err)
	}
	if len(entries) == 0 {
		h.reply(ctx, user, "ブロック中の送信者はいません。")
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🚫 ブロック中の送信者（%d件）\n", len(entries))
	for _, e := range entries {
		b.WriteString("・")
		b.WriteString(e)
		b.WriteString("\n")
	}
	return h.replier.SendChunked(ctx, user, strings.TrimRight(b.String(), "\n"))
}
