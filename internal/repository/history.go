package repository

import (
	"context"
	"fmt"

	"safereply/internal/model"
)

const (
	// MaxThreadHistory 分类和草稿最多带入的同线程消息数
	MaxThreadHistory = 5
	historyRunes     = 500
)

// HistoryLimit 把配置值收敛到 1..MaxThreadHistory
func HistoryLimit(n int) int {
	if n <= 0 || n > MaxThreadHistory {
		return MaxThreadHistory
	}
	return n
}

// LoadThreadHistory 取 m 之前的同线程消息，格式化为 "发送者: 正文"
func LoadThreadHistory(ctx context.Context, store MessageStore, m *model.Message, limit int) ([]string, error) {
	if m.ThreadID == "" {
		return nil, nil
	}
	prior, err := store.ThreadHistory(ctx, m.UserID, m.ThreadID, m.ReceivedAt, HistoryLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(prior))
	for _, p := range prior {
		body := []rune(p.Content())
		if len(body) > historyRunes {
			body = append(body[:historyRunes], []rune("...")...)
		}
		out = append(out, fmt.Sprintf("%s: %s", p.DisplaySender(), string(body)))
	}
	return out, nil
}
