package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/larkbot"
	"safereply/internal/model"
)

type fakeLister map[string][]*larkbot.ChatMessage

func (f fakeLister) ListChatMessages(ctx context.Context, chatID string, n int) ([]*larkbot.ChatMessage, error) {
	msgs, ok := f[chatID]
	if !ok {
		return nil, errors.New("chat not found")
	}
	return msgs, nil
}

func TestLarkChat_FetchSkipsBotAndOwner(t *testing.T) {
	now := time.Now()
	lister := fakeLister{
		"oc_1": {
			{MessageID: "om_1", SenderID: "ou_alice", SenderType: "user", Text: "見積もりお願いします", CreatedAt: now},
			{MessageID: "om_2", SenderID: "cli_bot", SenderType: "app", Text: "bot"},
			{MessageID: "om_3", SenderID: "ou_owner", SenderType: "user", Text: "mine"},
			{MessageID: "om_4", SenderID: "ou_bob", SenderType: "user", Text: "", MsgType: "image"},
		},
	}
	l := NewLarkChat(lister, []config.OwnerConfig{{ID: "ou_owner", ChatIDs: []string{"oc_1", "oc_missing"}}}, zap.NewNop())

	user := &model.User{ID: "u1", ChannelID: "ou_owner"}
	require.True(t, l.Accepts(user))

	got, err := l.Fetch(context.Background(), user, 20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "om_1", got[0].ID)
	assert.Equal(t, "oc_1", got[0].ThreadID)
	assert.Equal(t, "oc_1", got[0].Metadata[model.MetaChatID])
	assert.Equal(t, "ou_alice", got[0].Sender)
}

func TestLarkChat_AllChatsFail(t *testing.T) {
	l := NewLarkChat(fakeLister{}, []config.OwnerConfig{{ID: "ou_owner", ChatIDs: []string{"oc_x"}}}, zap.NewNop())
	_, err := l.Fetch(context.Background(), &model.User{ChannelID: "ou_owner"}, 20)
	assert.Error(t, err)
	assert.False(t, l.Accepts(&model.User{ChannelID: "ou_other"}))
}

func TestLarkChat_MergesChatsByTime(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	lister := fakeLister{
		"oc_1": {
			{MessageID: "om_a1", SenderID: "ou_alice", SenderType: "user", Text: "1", CreatedAt: base},
			{MessageID: "om_a2", SenderID: "ou_alice", SenderType: "user", Text: "3", CreatedAt: base.Add(2 * time.Minute)},
		},
		"oc_2": {
			{MessageID: "om_b1", SenderID: "ou_bob", SenderType: "user", Text: "2", CreatedAt: base.Add(time.Minute)},
			{MessageID: "om_b2", SenderID: "ou_bob", SenderType: "user", Text: "4", CreatedAt: base.Add(3 * time.Minute)},
		},
	}
	l := NewLarkChat(lister, []config.OwnerConfig{{ID: "ou_owner", ChatIDs: []string{"oc_1", "oc_2"}}}, zap.NewNop())

	got, err := l.Fetch(context.Background(), &model.User{ID: "u1", ChannelID: "ou_owner"}, 20)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"om_a1", "om_b1", "om_a2", "om_b2"}, ids)
}
