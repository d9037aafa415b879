package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"safereply/internal/ai"
	"safereply/internal/apperr"
	"safereply/internal/blocklist"
	"safereply/internal/config"
	"safereply/internal/connector"
	"safereply/internal/dedup"
	"safereply/internal/model"
	"safereply/internal/repository"
	"safereply/pkg/logger"
	"safereply/pkg/metrics"
	"safereply/pkg/otel"
	"safereply/pkg/trace"
)

// ForwardedSender 转发文本没有发件人，用占位名
const ForwardedSender = "転送メッセージ"

// Notifier 按分类投递通知（*notify.Dispatcher 实现）
type Notifier interface {
	Dispatch(ctx context.Context, user *model.User, m *model.Message) (bool, error)
}

// UserResult 单个用户的处理结果
type UserResult struct {
	UserID  string   `json:"user_id"`
	Fetched int      `json:"fetched"`
	New     int      `json:"new"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Result 一次 IngestOnce 的汇总
type Result struct {
	Source   model.SourceType `json:"source"`
	Fetched  int              `json:"fetched"`
	New      int              `json:"new"`
	Skipped  int              `json:"skipped"`
	Errors   []string         `json:"errors"`
	Users    []UserResult     `json:"users"`
	Duration time.Duration    `json:"duration"`
}

func (r *Result) add(u UserResult) {
	r.Fetched += u.Fetched
	r.New += u.New
	r.Skipped += u.Skipped
	r.Errors = append(r.Errors, u.Errors...)
	r.Users = append(r.Users, u)
}

// Orchestrator 拉取、去重、分类、生成草稿、通知
type Orchestrator struct {
	messages     repository.MessageStore
	users        repository.UserStore
	blocklist    *blocklist.Filter
	ledger       dedup.Ledger
	classifier   ai.Classifier
	drafter      ai.Drafter
	notifier     Notifier
	historyLimit int
	userPause    time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewOrchestrator(
	messages repository.MessageStore,
	users repository.UserStore,
	filter *blocklist.Filter,
	ledger dedup.Ledger,
	classifier ai.Classifier,
	drafter ai.Drafter,
	notifier Notifier,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		messages:     messages,
		users:        users,
		blocklist:    filter,
		ledger:       ledger,
		classifier:   classifier,
		drafter:      drafter,
		notifier:     notifier,
		historyLimit: repository.HistoryLimit(cfg.ThreadHistory),
		userPause:    cfg.UserPause,
		logger:       logger,
		now:          time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IngestOnce user 为 nil 时依次处理该来源下的全部活跃用户
// 单条消息的错误只记入结果，不会中断循环
func (o *Orchestrator) IngestOnce(ctx context.Context, src connector.Source, user *model.User, maxResults int) (*Result, error) {
	ctx = trace.Ensure(ctx)
	start := o.now()
	res := &Result{Source: src.Type(), Errors: []string{}, Users: []UserResult{}}

	var users []*model.User
	if user != nil {
		users = []*model.User{user}
	} else {
		active, err := o.users.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range active {
			if src.Accepts(u) {
				users = append(users, u)
			}
		}
	}

	for i, u := range users {
		if i > 0 {
			if err := sleepCtx(ctx, o.userPause); err != nil {
				break
			}
		}
		res.add(o.ingestUser(ctx, src, u, maxResults))
	}

	res.Duration = o.now().Sub(start)
	metrics.RecordPollDuration(string(src.Type()), res.Duration)
	o.logger.Info("Ingest run finished",
		zap.String("source", string(src.Type())),
		zap.Int("users", len(res.Users)),
		zap.Int("fetched", res.Fetched),
		zap.Int("new", res.New),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", res.Duration),
		zap.String("trace_id", trace.FromContext(ctx)),
	)
	return res, nil
}

func (o *Orchestrator) ingestUser(ctx context.Context, src connector.Source, user *model.User, maxResults int) UserResult {
	ur := UserResult{UserID: user.ID}

	candidates, err := src.Fetch(ctx, user, maxResults)
	if err != nil {
		o.logger.Error("Failed to fetch candidates",
			zap.String("source", string(src.Type())),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		ur.Errors = append(ur.Errors, fmt.Sprintf("fetch: %v", err))
		return ur
	}
	ur.Fetched = len(candidates)

	for i := range candidates {
		if ctx.Err() != nil {
			ur.Errors = append(ur.Errors, ctx.Err().Error())
			break
		}
		outcome, err := o.traceCandidate(ctx, user, src.Type(), &candidates[i])
		metrics.RecordIngestOutcome(string(src.Type()), outcome)
		switch outcome {
		case "new":
			ur.New++
		case "blocked", "seen", "duplicate":
			ur.Skipped++
		}
		if err != nil {
			ur.Errors = append(ur.Errors, fmt.Sprintf("%s: %v", candidates[i].ID, err))
		}
	}
	return ur
}

// traceCandidate 每条候选消息一个 span
func (o *Orchestrator) traceCandidate(ctx context.Context, user *model.User, source model.SourceType, c *connector.Candidate) (string, error) {
	ctx, span := otel.StartSpan(ctx, "ingest.candidate")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", user.ID),
		attribute.String("source", string(source)),
		attribute.String("source_message_id", c.ID),
	)

	outcome, err := o.processCandidate(ctx, user, source, c)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

// processCandidate 返回 outcome：blocked / seen / duplicate / new / failed
func (o *Orchestrator) processCandidate(ctx context.Context, user *model.User, source model.SourceType, c *connector.Candidate) (string, error) {
	log := logger.WithTrace(ctx, o.logger).With(
		zap.String("user_id", user.ID),
		zap.String("source", string(source)),
		zap.String("source_message_id", c.ID),
	)

	blocked, err := o.blocklist.IsBlocked(ctx, user.ID, c.Sender)
	if err != nil {
		// 查询失败按未屏蔽处理，宁可多通知
		log.Warn("Blocklist lookup failed", zap.Error(err))
	}
	if blocked {
		o.ledger.MarkSeen(ctx, user.ID, source, c.ID)
		log.Info("Blocked sender skipped", zap.String("sender", blocklist.Normalize(c.Sender)))
		return "blocked", nil
	}

	if o.ledger.Seen(ctx, user.ID, source, c.ID) {
		return "seen", nil
	}

	m := &model.Message{
		UserID:           user.ID,
		SourceType:       source,
		SourceMessageID:  c.ID,
		ThreadID:         c.ThreadID,
		SenderIdentifier: c.Sender,
		SenderName:       c.SenderName,
		Subject:          c.Subject,
		BodyPlain:        c.Body,
		Status:           model.StatusPending,
		ReceivedAt:       c.ReceivedAt,
		Metadata:         c.Metadata,
	}
	if c.AttachmentsText != "" {
		m.ExtractedContent = strings.TrimSpace(c.Body + "\n\n" + c.AttachmentsText)
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = o.now()
	}

	if err := o.messages.Insert(ctx, m); err != nil {
		if errors.Is(err, apperr.Conflict) {
			o.ledger.MarkSeen(ctx, user.ID, source, c.ID)
			log.Info("Duplicate message skipped")
			return "duplicate", nil
		}
		log.Error("Failed to insert message", zap.Error(err))
		return "failed", err
	}

	// 记录已落库，无论后续是否通知成功都标记
	defer o.ledger.MarkSeen(ctx, user.ID, source, c.ID)

	if err := o.advance(ctx, user, m, c.AttachmentsText); err != nil {
		return "new", err
	}
	return "new", nil
}

// IngestForwarded 所有者直接发来的文本，作为 forwarded 消息走入库之后的流程
func (o *Orchestrator) IngestForwarded(ctx context.Context, user *model.User, text string) (*model.Message, error) {
	ctx = trace.Ensure(ctx)
	now := o.now()
	m := &model.Message{
		UserID:           user.ID,
		SourceType:       model.SourceForwarded,
		SourceMessageID:  fmt.Sprintf("forward_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		SenderIdentifier: ForwardedSender,
		BodyPlain:        strings.TrimSpace(text),
		Status:           model.StatusPending,
		ReceivedAt:       now,
		Metadata: map[string]string{
			model.MetaForwardedFrom: user.ChannelID,
			model.MetaForwardedAt:   now.UTC().Format(time.RFC3339),
		},
	}
	if m.BodyPlain == "" {
		return nil, apperr.NewValidation("ingest.forwarded", "text is empty")
	}

	if err := o.messages.Insert(ctx, m); err != nil {
		return nil, err
	}
	defer o.ledger.MarkSeen(ctx, user.ID, m.SourceType, m.SourceMessageID)

	err := o.advance(ctx, user, m, "")
	metrics.RecordIngestOutcome(string(model.SourceForwarded), "new")
	return m, err
}

// Resume 从已落库的状态继续流水线，供 outbox 恢复事件调用
func (o *Orchestrator) Resume(ctx context.Context, messageID string) error {
	m, err := o.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusPending {
		// 已通知或已被处理过
		return o.messages.CompletePipeline(ctx, m.ID)
	}
	user, err := o.users.GetByID(ctx, m.UserID)
	if err != nil {
		return err
	}
	o.logger.Info("Resuming ingest pipeline",
		zap.String("message_id", m.ID),
		zap.String("triage_type", string(m.TriageType)),
		zap.Bool("has_draft", m.HasDraft()),
	)
	return o.advance(ctx, user, m, m.AttachmentsText())
}

// advance 分类、草稿、通知；已完成的步骤跳过
func (o *Orchestrator) advance(ctx context.Context, user *model.User, m *model.Message, attachments string) error {
	log := logger.WithTrace(ctx, o.logger).With(zap.String("message_id", m.ID), zap.String("user_id", user.ID))
	history := o.history(ctx, m)

	if m.TriageType == model.TriageNone {
		result, err := o.classifier.Classify(ctx, ai.ClassifyInput{
			Subject:         m.Subject,
			Body:            m.BodyPlain,
			ThreadHistory:   history,
			AttachmentsText: attachments,
		})
		degraded := err != nil
		if degraded {
			log.Warn("Classification failed, degrading to normal", zap.Error(err))
			result = ai.Degraded(err)
		}
		metrics.IncrementTriage(string(result.Type), degraded)

		if err := o.messages.UpdateTriage(ctx, m.ID, repository.TriageUpdate{
			Type:          result.Type,
			Reason:        result.Reason,
			PriorityScore: result.PriorityScore,
			Confidence:    result.Confidence,
		}); err != nil {
			log.Error("Failed to persist triage", zap.Error(err))
			return err
		}
		m.TriageType = result.Type
		m.TriageReason = result.Reason
		m.PriorityScore = result.PriorityScore
		m.Confidence = result.Confidence
	}

	if m.TriageType.WantsDraft() && !m.HasDraft() {
		draft, err := o.drafter.Draft(ctx, ai.DraftInput{
			Subject:         m.Subject,
			Body:            m.BodyPlain,
			TriageType:      m.TriageType,
			Tone:            model.ToneFormal,
			ThreadHistory:   history,
			AttachmentsText: attachments,
		})
		switch {
		case err != nil:
			log.Warn("Draft generation failed, continuing without draft", zap.Error(err))
		default:
			if err := o.messages.UpdateDraft(ctx, m.ID, draft); err != nil {
				log.Error("Failed to persist draft", zap.Error(err))
			} else {
				m.DraftReply = &draft
			}
		}
	}

	dispatched, err := o.notifier.Dispatch(ctx, user, m)
	if err != nil && !dispatched {
		log.Error("Notification dispatch failed", zap.Error(err))
		return err
	}

	if dispatched || m.TriageType == model.TriageLow {
		if err := o.messages.CompletePipeline(ctx, m.ID); err != nil {
			log.Warn("Failed to complete pipeline event", zap.Error(err))
		}
	}
	log.Info("Message processed",
		zap.String("triage_type", string(m.TriageType)),
		zap.Int("priority_score", m.PriorityScore),
		zap.Bool("has_draft", m.HasDraft()),
		zap.Bool("notified", dispatched),
	)
	return nil
}

// history 同线程的更早消息，最多 historyLimit 条
func (o *Orchestrator) history(ctx context.Context, m *model.Message) []string {
	out, err := repository.LoadThreadHistory(ctx, o.messages, m, o.historyLimit)
	if err != nil {
		o.logger.Warn("Failed to load thread history", zap.String("message_id", m.ID), zap.Error(err))
		return nil
	}
	return out
}
