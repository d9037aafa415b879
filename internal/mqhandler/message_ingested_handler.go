package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/repository"
	"safereply/pkg/mq"
	"safereply/pkg/util"
)

const handlerName = "message_ingested"

// Resumer 从已落库状态继续摄取流水线（*ingest.Orchestrator 实现）
type Resumer interface {
	Resume(ctx context.Context, messageID string) error
}

// MessageIngestedHandler 消费 outbox 转发来的 message.ingested 事件
// 只有内联流水线在宽限期内没有完成的消息才会走到这里
type MessageIngestedHandler struct {
	resumer    Resumer
	deduper    *util.Deduper
	retries    *util.RetryCounter
	maxRetries int64
	logger     *zap.Logger
}

func NewMessageIngestedHandler(resumer Resumer, deduper *util.Deduper, retries *util.RetryCounter, maxRetries int64, logger *zap.Logger) *MessageIngestedHandler {
	return &MessageIngestedHandler{
		resumer:    resumer,
		deduper:    deduper,
		retries:    retries,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Handle 幂等：Resume 本身会跳过已完成的步骤，SETNX 防止并发重复投递
func (h *MessageIngestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p repository.IngestedEvent
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal message ingested payload", zap.Error(err))
		return mq.Permanent(err)
	}
	if p.MessageID == "" {
		return mq.Permanent(errors.New("message_id is empty"))
	}

	if !h.deduper.AcquireOnce(ctx, handlerName, p.MessageID) {
		return nil
	}

	h.logger.Info("Resuming message from outbox event",
		zap.String("message_id", p.MessageID),
		zap.String("user_id", p.UserID),
		zap.String("source", p.Source),
	)

	err := h.resumer.Resume(ctx, p.MessageID)
	if err == nil {
		if err := h.retries.Reset(ctx, util.FormatRetryKey(handlerName, p.MessageID)); err != nil {
			h.logger.Warn("Failed to reset retry counter", zap.Error(err))
		}
		return nil
	}

	// 失败后释放锁，让重投能再次进入
	h.deduper.Release(ctx, handlerName, p.MessageID)

	if apperr.KindOf(err) == apperr.KindNotFound {
		return mq.Permanent(err)
	}

	retryable, errType := util.IsRetryableError(err)
	// 通知渠道 / AI 的外部失败也值得重试
	if apperr.KindOf(err) == apperr.KindExternalService {
		retryable = true
	}

	count, cerr := h.retries.IncrementAndGet(ctx, util.FormatRetryKey(handlerName, p.MessageID))
	if cerr != nil {
		h.logger.Warn("Retry counter unavailable", zap.Error(cerr))
		count = 1
	}

	if !util.ShouldRetry(count, h.maxRetries, retryable) {
		h.logger.Error("Giving up on message resume",
			zap.String("message_id", p.MessageID),
			zap.String("error_type", errType),
			zap.Int64("attempts", count),
			zap.Error(err),
		)
		return mq.Permanent(err)
	}

	h.logger.Warn("Message resume failed, will retry",
		zap.String("message_id", p.MessageID),
		zap.String("error_type", errType),
		zap.Int64("attempts", count),
		zap.Error(err),
	)
	return err
}
