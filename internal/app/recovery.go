package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"safereply/internal/mqhandler"
	"safereply/internal/repository"
	"safereply/pkg/mq"
	"safereply/pkg/outbox"
	"safereply/pkg/util"
)

const (
	ingestedQueue     = "message.ingested.q"
	ingestedMaxRetry  = 3
	ingestedRetryTTL  = time.Hour
	ingestedDedupeTTL = 10 * time.Minute

	// 事件有宽限期，不需要秒级轮询
	outboxInterval = 15 * time.Second
	outboxBatch    = 50
	outboxMaxRetry = 5
)

// Recovery outbox -> MQ -> Resume 的恢复链路
type Recovery struct {
	Publisher *mq.Publisher
	Replay    *outbox.ReplayService

	dispatcher *outbox.Dispatcher
	consumer   *mq.Consumer
}

// NewRecovery 仅 postgres 存储且开启 MQ 时可用，否则返回 nil
func (a *App) NewRecovery() (*Recovery, error) {
	if a.OutboxRepo == nil || !a.Config.MQ.Enabled {
		a.Logger.Info("Outbox recovery disabled",
			zap.String("storage", a.Config.Storage.Driver),
			zap.Bool("mq_enabled", a.Config.MQ.Enabled),
		)
		return nil, nil
	}

	publisher, err := mq.NewPublisher(a.Config.MQ.URL)
	if err != nil {
		return nil, err
	}

	consumer, err := mq.NewConsumer(a.Config.MQ.URL, ingestedQueue, repository.RoutingMessageIngested, a.Logger)
	if err != nil {
		publisher.Close()
		return nil, err
	}
	handler := mqhandler.NewMessageIngestedHandler(
		a.Orchestrator,
		util.NewDeduper(a.Redis, ingestedDedupeTTL, a.Logger),
		util.NewRetryCounter(a.Redis, ingestedRetryTTL),
		ingestedMaxRetry,
		a.Logger,
	)
	consumer.SetHandler(handler.Handle)
	consumer.SetDLQ(publisher)

	return &Recovery{
		Publisher:  publisher,
		Replay:     outbox.NewReplayService(a.OutboxRepo, publisher, a.Logger),
		dispatcher: outbox.NewDispatcher(a.OutboxRepo, publisher, a.Logger).
			WithInterval(outboxInterval).
			WithBatchSize(outboxBatch).
			WithMaxRetries(outboxMaxRetry),
		consumer: consumer,
	}, nil
}

// Start 后台运行 dispatcher 和 consumer；consumer 异常退出时回调 onFatal
func (r *Recovery) Start(ctx context.Context, logger *zap.Logger, onFatal func(error)) {
	go r.dispatcher.Start(ctx)

	go func() {
		if err := r.consumer.StartConsuming(ctx); err != nil {
			logger.Error("message.ingested consumer crashed", zap.Error(err))
			if onFatal != nil {
				onFatal(err)
			}
		}
	}()
}

func (r *Recovery) Close() {
	r.consumer.Close()
	r.Publisher.Close()
}
