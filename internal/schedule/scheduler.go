package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/model"
)

// 同一来源的轮询不重叠：上一轮还在队列里时跳过本轮
const pollUniqueTTL = 5 * time.Minute

type entry struct {
	cron string
	task *asynq.Task
	opts []asynq.Option
}

func entries(cfg config.SchedulerConfig) []entry {
	var out []entry
	if cfg.MailCron != "" {
		out = append(out, entry{cfg.MailCron, NewPollTask(model.SourceMail), []asynq.Option{asynq.MaxRetry(0), asynq.Unique(pollUniqueTTL), asynq.Timeout(10 * time.Minute)}})
	}
	if cfg.ChatCron != "" {
		out = append(out, entry{cfg.ChatCron, NewPollTask(model.SourceChat), []asynq.Option{asynq.MaxRetry(0), asynq.Unique(pollUniqueTTL), asynq.Timeout(10 * time.Minute)}})
	}
	if cfg.VerifyCron != "" {
		out = append(out, entry{cfg.VerifyCron, NewVerifyGmailTask(), []asynq.Option{asynq.MaxRetry(3)}})
	}
	return out
}

// NewScheduler 注册配置中的周期任务
func NewScheduler(opt asynq.RedisConnOpt, cfg config.SchedulerConfig, logger *zap.Logger) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: logger.Sugar(),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Warn("Scheduled task not enqueued", zap.Error(err))
				return
			}
			logger.Debug("Scheduled task enqueued", zap.String("type", info.Type), zap.String("id", info.ID))
		},
	})

	for _, e := range entries(cfg) {
		id, err := s.Register(e.cron, e.task, e.opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s (%s): %w", e.task.Type(), e.cron, err)
		}
		logger.Info("Periodic task registered",
			zap.String("type", e.task.Type()),
			zap.String("cron", e.cron),
			zap.String("entry_id", id),
		)
	}
	return s, nil
}

// NewServer asynq worker，错误统一走 zap
func NewServer(opt asynq.RedisConnOpt, cfg config.SchedulerConfig, logger *zap.Logger) *asynq.Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Logger:      logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
}
