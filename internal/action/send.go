package action

import (
	"context"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/blocklist"
	"safereply/internal/connector"
	"safereply/internal/model"
)

const sendLockHandler = "send"

// AckBody 确认邮件的固定正文
const AckBody = "ご連絡ありがとうございます。\n内容を確認いたしました。\n\n取り急ぎ、受領のご連絡まで。"

// ReplySubject 已有 Re: 时不重复添加
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}

// ReplyAddress 从 "Name <addr>" 中取出地址
func ReplyAddress(sender string) string {
	if addr, err := mail.ParseAddress(sender); err == nil {
		return addr.Address
	}
	return blocklist.Normalize(sender)
}

// deliver 按来源选择发送通道
func (h *Handler) deliver(ctx context.Context, user *model.User, m *model.Message, body string) error {
	switch m.SourceType {
	case model.SourceMail:
		to := ReplyAddress(m.SenderIdentifier)
		if to == "" || !strings.Contains(to, "@") {
			return apperr.NewValidation("action.send", "sender has no mail address")
		}
		return h.mail.SendMail(ctx, user, connector.OutgoingMail{
			To:        to,
			Subject:   ReplySubject(m.Subject),
			Body:      body,
			ThreadID:  m.ThreadID,
			InReplyTo: m.Metadata["rfc822_message_id"],
		})
	case model.SourceChat:
		chatID := m.Metadata[model.MetaChatID]
		if chatID == "" {
			return apperr.NewValidation("action.send", "chat message has no chat_id")
		}
		return h.chat.SendChat(ctx, chatID, body)
	case model.SourceForwarded:
		return apperr.NewValidation("action.send", "forwarded message has no reply destination")
	}
	return apperr.NewValidation("action.send", "unknown source type "+string(m.SourceType))
}

func sendFailureText(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		if strings.Contains(err.Error(), "forwarded") {
			return "転送メッセージには返信を送信できません。"
		}
		return "送信先を特定できませんでした。"
	case apperr.KindConfiguration:
		return "送信サービスが利用できません。設定を確認してください。"
	}
	return "送信に失敗しました。時間をおいて再度お試しください。"
}

// send 草稿存在且未发送过时才发送；并发点击由短锁串行化
func (h *Handler) send(ctx context.Context, user *model.User, m *model.Message) error {
	if !m.HasDraft() {
		return fail("送信できる返信案がありません。「修正」から返信案を作成してください。",
			apperr.NewValidation("action.send", "no draft"))
	}
	if m.Status == model.StatusSent {
		return fail("このメッセージには既に返信済みです。", apperr.NewValidation("action.send", "already sent"))
	}
	if !h.sendLock.AcquireOnce(ctx, sendLockHandler, m.ID) {
		return fail("送信処理中です。しばらくお待ちください。", apperr.NewValidation("action.send", "send in progress"))
	}

	if err := h.deliver(ctx, user, m, m.Draft()); err != nil {
		h.sendLock.Release(ctx, sendLockHandler, m.ID)
		return fail(sendFailureText(err), err)
	}

	if err := h.messages.UpdateStatus(ctx, m.ID, model.StatusSent, h.now()); err != nil {
		// 已经发出，锁留到过期，避免重复发送
		h.logger.Error("Reply sent but status update failed",
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
		return fail("返信は送信されましたが、状態の更新に失敗しました。", err)
	}
	h.logger.Info("Reply sent",
		zap.String("user_id", user.ID),
		zap.String("message_id", m.ID),
		zap.String("source", string(m.SourceType)),
	)
	h.reply(ctx, user, "✅ 返信を送信しました。")
	return nil
}

// acknowledge 只对邮件有效：发送固定确认邮件后标记已读
func (h *Handler) acknowledge(ctx context.Context, user *model.User, m *model.Message) error {
	if m.SourceType != model.SourceMail {
		return fail("確認メールはメールのメッセージにのみ送信できます。",
			apperr.NewValidation("action.acknowledge", "not a mail message"))
	}
	if !h.sendLock.AcquireOnce(ctx, sendLockHandler, m.ID) {
		return fail("送信処理中です。しばらくお待ちください。", apperr.NewValidation("action.acknowledge", "send in progress"))
	}
	defer h.sendLock.Release(ctx, sendLockHandler, m.ID)

	if err := h.deliver(ctx, user, m, AckBody); err != nil {
		return fail(sendFailureText(err), err)
	}
	return h.transition(ctx, user, m, model.StatusRead, "✅ 確認メールを送信し、既読にしました。")
}
