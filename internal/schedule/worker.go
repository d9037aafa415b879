package schedule

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/connector"
	"safereply/internal/ingest"
	"safereply/internal/model"
	"safereply/internal/repository"
)

// Ingester *ingest.Orchestrator 实现
type Ingester interface {
	IngestOnce(ctx context.Context, src connector.Source, user *model.User, maxResults int) (*ingest.Result, error)
}

// Verifier *connector.Gmail 实现
type Verifier interface {
	Accepts(user *model.User) bool
	Verify(ctx context.Context, user *model.User) error
}

// Worker 执行周期任务
type Worker struct {
	ingester   Ingester
	sources    map[model.SourceType]connector.Source
	users      repository.UserStore
	verifier   Verifier
	maxResults int
	logger     *zap.Logger
}

func NewWorker(ingester Ingester, sources map[model.SourceType]connector.Source, users repository.UserStore, verifier Verifier, maxResults int, logger *zap.Logger) *Worker {
	return &Worker{
		ingester:   ingester,
		sources:    sources,
		users:      users,
		verifier:   verifier,
		maxResults: maxResults,
		logger:     logger,
	}
}

// Mux 注册全部任务处理函数
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePollMail, w.pollHandler(model.SourceMail))
	mux.HandleFunc(TypePollChat, w.pollHandler(model.SourceChat))
	mux.HandleFunc(TypeVerifyGmail, w.HandleVerify)
	return mux
}

func (w *Worker) pollHandler(source model.SourceType) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		src, ok := w.sources[source]
		if !ok {
			// 未配置的来源不重试
			return fmt.Errorf("%s not configured: %w", source, asynq.SkipRetry)
		}
		res, err := w.ingester.IngestOnce(ctx, src, nil, w.maxResults)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			w.logger.Warn("Poll finished with errors",
				zap.String("source", string(source)),
				zap.Strings("errors", res.Errors),
			)
		}
		return nil
	}
}

// HandleVerify 对每个绑定了 Gmail 的用户做一次轻量调用
// 令牌失效由连接器回调触发告警
func (w *Worker) HandleVerify(ctx context.Context, t *asynq.Task) error {
	if w.verifier == nil {
		return fmt.Errorf("gmail not configured: %w", asynq.SkipRetry)
	}
	users, err := w.users.ListActive(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, u := range users {
		if !w.verifier.Accepts(u) {
			continue
		}
		if err := w.verifier.Verify(ctx, u); err != nil {
			failed++
			w.logger.Warn("Gmail verification failed", zap.String("user_id", u.ID), zap.Error(err))
			if apperr.KindOf(err) == apperr.KindConfiguration {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			continue
		}
		w.logger.Info("Gmail token verified", zap.String("user_id", u.ID))
	}
	if failed > 0 {
		return fmt.Errorf("gmail verification failed for %d user(s)", failed)
	}
	return nil
}
