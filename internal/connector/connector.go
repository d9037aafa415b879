package connector

import (
	"context"
	"time"

	"safereply/internal/model"
)

// Candidate 连接器拉取到的一条待处理消息
type Candidate struct {
	ID              string
	ThreadID        string
	Sender          string
	SenderName      string
	Subject         string
	Body            string
	AttachmentsText string
	ReceivedAt      time.Time
	Metadata        map[string]string
}

// Source 入站消息源
type Source interface {
	Type() model.SourceType
	// Accepts 该用户是否配置了此消息源
	Accepts(user *model.User) bool
	Fetch(ctx context.Context, user *model.User, maxResults int) ([]Candidate, error)
}

// OutgoingMail 发出的邮件
type OutgoingMail struct {
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
}

// MailSender 以用户身份发邮件
type MailSender interface {
	SendMail(ctx context.Context, user *model.User, mail OutgoingMail) error
}

// ChatSender 向群聊发消息
type ChatSender interface {
	SendChat(ctx context.Context, chatID, body string) error
}

// TokenExpiredFunc 刷新令牌失效时回调
type TokenExpiredFunc func(ctx context.Context, service string, err error)
