package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"safereply/internal/ai"
	"safereply/internal/model"
	"safereply/internal/notify"
	"safereply/internal/repository"
	"safereply/pkg/metrics"
)

// edit 展示语气选择，同时开启编辑会话，会话期间直接发来的文本替换草稿
func (h *Handler) edit(ctx context.Context, user *model.User, m *model.Message) error {
	if err := h.sessions.Start(ctx, user.ID, m.ID, m.Draft()); err != nil {
		return fail(textInternalError, err)
	}
	if err := h.replier.SendCard(ctx, user, notify.ToneCard(m, h.editTTL)); err != nil {
		return fail(textInternalError, err)
	}
	return nil
}

// regenerate 用指定语气重新生成草稿，然后确认
func (h *Handler) regenerate(ctx context.Context, user *model.User, m *model.Message, tone model.Tone) error {
	history, err := repository.LoadThreadHistory(ctx, h.messages, m, h.history)
	if err != nil {
		h.logger.Warn("Failed to load thread history", zap.String("message_id", m.ID), zap.Error(err))
	}
	draft, err := h.drafter.Draft(ctx, ai.DraftInput{
		Subject:         m.Subject,
		Body:            m.BodyPlain,
		TriageType:      m.TriageType,
		Tone:            tone,
		ThreadHistory:   history,
		AttachmentsText: m.AttachmentsText(),
	})
	if err != nil {
		return fail("返信案の再作成に失敗しました。時間をおいて再度お試しください。", err)
	}
	if err := h.messages.UpdateDraft(ctx, m.ID, draft); err != nil {
		return fail(textInternalError, err)
	}
	m.DraftReply = &draft

	// 按钮流程取代文本修改
	if err := h.sessions.End(ctx, user.ID); err != nil {
		h.logger.Warn("Failed to end edit session", zap.String("user_id", user.ID), zap.Error(err))
	}

	h.logger.Info("Draft regenerated",
		zap.String("message_id", m.ID),
		zap.String("tone", string(tone)),
	)
	if err := h.replier.SendCard(ctx, user, notify.ConfirmCard(m)); err != nil {
		return fail(textInternalError, err)
	}
	return nil
}

// HandleEditText 有编辑会话时文本替换草稿，否则作为转发消息摄取
func (h *Handler) HandleEditText(ctx context.Context, openID, text string) error {
	user, err := h.resolveUser(ctx, openID)
	if err != nil {
		h.logger.Error("Failed to resolve user", zap.String("open_id", openID), zap.Error(err))
		return err
	}
	if user == nil {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sess, err := h.sessions.Get(ctx, user.ID)
	if err != nil {
		// 会话存储不可用时按普通文本处理
		h.logger.Warn("Edit session lookup failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	if sess == nil {
		return h.ingestForwarded(ctx, user, text)
	}

	err = h.reviseDraft(ctx, user, sess.MessageID, text)
	result := "ok"
	if err != nil {
		result = "failed"
		msg := textInternalError
		var ue *userError
		if errors.As(err, &ue) {
			msg = ue.text
		}
		h.reply(ctx, user, msg)
		h.logger.Warn("Draft revision failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	metrics.IncrementAction("edit_text", result)
	return err
}

func (h *Handler) reviseDraft(ctx context.Context, user *model.User, messageID, text string) error {
	defer func() {
		if err := h.sessions.End(ctx, user.ID); err != nil {
			h.logger.Warn("Failed to end edit session", zap.String("user_id", user.ID), zap.Error(err))
		}
	}()

	m, err := h.resolveMessage(ctx, user, messageID)
	if err != nil {
		return err
	}
	if err := h.messages.UpdateDraft(ctx, m.ID, text); err != nil {
		return fail(textInternalError, err)
	}
	m.DraftReply = &text
	h.logger.Info("Draft replaced by owner text", zap.String("message_id", m.ID))

	if err := h.replier.SendCard(ctx, user, notify.ConfirmCard(m)); err != nil {
		return fail(textInternalError, err)
	}
	return nil
}

// ingestForwarded 入库后的失败（例如通知失败）由 outbox 恢复，这里只记录
func (h *Handler) ingestForwarded(ctx context.Context, user *model.User, text string) error {
	m, err := h.forward.IngestForwarded(ctx, user, text)
	if m == nil {
		h.reply(ctx, user, "メッセージの取り込みに失敗しました。")
		return fmt.Errorf("forwarded ingest: %w", err)
	}
	if err != nil {
		h.logger.Warn("Forwarded message stored but pipeline incomplete",
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
		return nil
	}
	if m.TriageType == model.TriageLow {
		h.reply(ctx, user, "転送メッセージを受け付けました（返信不要と判定）。")
	}
	return nil
}
