package connector

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/larkbot"
	"safereply/internal/model"
)

// ChatLister 读取群聊最近消息
type ChatLister interface {
	ListChatMessages(ctx context.Context, chatID string, n int) ([]*larkbot.ChatMessage, error)
}

// LarkChat 把所有者关注的群聊作为消息源
type LarkChat struct {
	lister ChatLister
	chats  map[string][]string // channel id -> chat ids
	logger *zap.Logger
}

func NewLarkChat(lister ChatLister, owners []config.OwnerConfig, logger *zap.Logger) *LarkChat {
	chats := make(map[string][]string)
	for _, o := range owners {
		if len(o.ChatIDs) > 0 && !o.Disabled {
			chats[o.ID] = o.ChatIDs
		}
	}
	return &LarkChat{lister: lister, chats: chats, logger: logger}
}

func (l *LarkChat) Type() model.SourceType { return model.SourceChat }

func (l *LarkChat) Accepts(user *model.User) bool {
	return len(l.chats[user.ChannelID]) > 0
}

// Fetch 跳过机器人和所有者本人发的消息；一个群失败不影响其他群
func (l *LarkChat) Fetch(ctx context.Context, user *model.User, maxResults int) ([]Candidate, error) {
	var (
		out     []Candidate
		lastErr error
		okChats int
	)
	for _, chatID := range l.chats[user.ChannelID] {
		msgs, err := l.lister.ListChatMessages(ctx, chatID, maxResults)
		if err != nil {
			l.logger.Warn("Failed to list chat messages",
				zap.String("user_id", user.ID),
				zap.String("chat_id", chatID),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		okChats++

		for _, m := range msgs {
			if m.SenderType != "user" || m.SenderID == user.ChannelID || m.Text == "" {
				continue
			}
			threadID := m.ThreadID
			if threadID == "" {
				threadID = chatID
			}
			out = append(out, Candidate{
				ID:         m.MessageID,
				ThreadID:   threadID,
				Sender:     m.SenderID,
				Body:       m.Text,
				ReceivedAt: m.CreatedAt,
				Metadata: map[string]string{
					model.MetaChatID:       chatID,
					model.MetaSenderOpenID: m.SenderID,
				},
			})
		}
	}
	if okChats == 0 && lastErr != nil {
		return nil, lastErr
	}
	// 多个群按时间合并，旧的在前
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}
