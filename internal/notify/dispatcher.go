package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"safereply/internal/ai"
	"safereply/internal/config"
	"safereply/internal/model"
	"safereply/internal/repository"
	"safereply/pkg/metrics"
)

// Dispatcher 按分类选择卡片布局并投递，成功后记录 notified
type Dispatcher struct {
	channel    Channel
	softener   ai.Softener
	messages   repository.MessageStore
	chunkSize  int
	chunkDelay time.Duration
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(time.Duration)
}

func NewDispatcher(ch Channel, softener ai.Softener, messages repository.MessageStore, cfg config.PipelineConfig, logger *zap.Logger) *Dispatcher {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 1000
	}
	return &Dispatcher{
		channel:    ch,
		softener:   softener,
		messages:   messages,
		chunkSize:  size,
		chunkDelay: cfg.ChunkDelay,
		logger:     logger,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

func (d *Dispatcher) summary(ctx context.Context, m *model.Message) string {
	if d.softener == nil {
		return ai.FallbackSummary(m.DisplaySender())
	}
	return d.softener.Soften(ctx, ai.SoftenInput{
		SenderName: m.DisplaySender(),
		Subject:    m.Subject,
		Body:       m.Content(),
		TriageType: m.TriageType,
		HasDraft:   m.HasDraft(),
	})
}

// Dispatch 返回是否投递；low 和未分类的消息不投递
// 投递成功后 status=notified, notified_at=now
func (d *Dispatcher) Dispatch(ctx context.Context, user *model.User, m *model.Message) (bool, error) {
	var (
		card    *Card
		audible bool
	)
	switch m.TriageType {
	case model.TriageUrgent:
		card, audible = UrgentCard(m, d.summary(ctx, m)), true
	case model.TriageNormal:
		card, audible = NormalCard(m, d.summary(ctx, m)), false
	case model.TriageLow, model.TriageNone:
		return false, nil
	default:
		return false, fmt.Errorf("unhandled triage type %q", m.TriageType)
	}

	layout := string(m.TriageType)
	if err := d.channel.SendCard(ctx, user.ChannelID, card, audible); err != nil {
		metrics.IncrementNotification(layout, "failed")
		return false, err
	}
	metrics.IncrementNotification(layout, "sent")

	now := d.now()
	if err := d.messages.MarkNotified(ctx, m.ID, now); err != nil {
		// 卡片已经发出，只能记录
		d.logger.Error("Failed to mark message notified",
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
		return true, err
	}
	m.Status = model.StatusNotified
	m.NotifiedAt = &now
	return true, nil
}

// SendCard 静默发送卡片
func (d *Dispatcher) SendCard(ctx context.Context, user *model.User, card *Card) error {
	return d.channel.SendCard(ctx, user.ChannelID, card, false)
}

// SendText 发送一条纯文本
func (d *Dispatcher) SendText(ctx context.Context, user *model.User, text string) error {
	return d.channel.SendText(ctx, user.ChannelID, text)
}

// SendChunked 长文本按 chunkSize 分段发送，段间隔 chunkDelay
func (d *Dispatcher) SendChunked(ctx context.Context, user *model.User, text string) error {
	chunks := Chunk(text, d.chunkSize)
	for i, c := range chunks {
		if i > 0 && d.chunkDelay > 0 {
			d.sleep(d.chunkDelay)
		}
		if len(chunks) > 1 {
			c = fmt.Sprintf("(%d/%d)\n%s", i+1, len(chunks), c)
		}
		if err := d.channel.SendText(ctx, user.ChannelID, c); err != nil {
			return err
		}
	}
	return nil
}

// Chunk 按字符切分，尽量在换行处断开
func Chunk(text string, size int) []string {
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}
	var out []string
	for len(r) > size {
		cut := size
		// 在后半段内找最后一个换行
		for i := size - 1; i >= size/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
