package larkbot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/config"
	"safereply/internal/notify"
)

// 飞书返回的凭据类错误码
var authErrorCodes = map[int]bool{
	10003:    true, // invalid app_id
	10014:    true, // invalid app_secret
	99991663: true, // invalid tenant_access_token
	99991664: true, // invalid app_access_token
}

// AuthFailureFunc 应用凭据失效时回调
type AuthFailureFunc func(ctx context.Context, err error)

// Client 飞书机器人：发送卡片 / 文本、加急、读取群聊历史
type Client struct {
	api    *lark.Client
	cfg    config.LarkConfig
	logger *zap.Logger
	onAuth AuthFailureFunc
	onText TextHandler
}

func NewClient(cfg config.LarkConfig, logger *zap.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}
	if cfg.Configured() {
		c.api = lark.NewClient(cfg.AppID, cfg.AppSecret)
	}
	return c
}

// OnAuthFailure 设置凭据失效回调
func (c *Client) OnAuthFailure(fn AuthFailureFunc) {
	c.onAuth = fn
}

func (c *Client) ready(op string) error {
	if c.api == nil {
		return apperr.NewConfiguration(op, "service unavailable: lark app credentials not configured")
	}
	return nil
}

// check 统一处理 SDK 返回
func (c *Client) check(ctx context.Context, op string, err error, success bool, code int, msg string) error {
	if err != nil {
		return apperr.NewExternal(op, err)
	}
	if success {
		return nil
	}
	e := apperr.NewExternal(op, fmt.Errorf("lark error %d: %s", code, msg))
	if authErrorCodes[code] && c.onAuth != nil {
		c.onAuth(ctx, e)
	}
	return e
}

func (c *Client) create(ctx context.Context, op, idType, receiveID, msgType, content string) (string, error) {
	if err := c.ready(op); err != nil {
		return "", err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(idType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := c.api.Im.Message.Create(ctx, req)
	if err != nil {
		return "", c.check(ctx, op, err, false, 0, "")
	}
	if err := c.check(ctx, op, nil, resp.Success(), resp.Code, resp.Msg); err != nil {
		return "", err
	}
	if resp.Data != nil && resp.Data.MessageId != nil {
		return *resp.Data.MessageId, nil
	}
	return "", nil
}

// SendCard 发送卡片；audible 时对接收人加急（应用内提醒）
func (c *Client) SendCard(ctx context.Context, openID string, card *notify.Card, audible bool) error {
	content, err := RenderCard(card)
	if err != nil {
		return fmt.Errorf("failed to render card: %w", err)
	}
	msgID, err := c.create(ctx, "lark.send_card", larkim.ReceiveIdTypeOpenId, openID, larkim.MsgTypeInteractive, content)
	if err != nil {
		return err
	}
	if audible && msgID != "" {
		// 加急失败不影响卡片本身
		if err := c.urgent(ctx, msgID, openID); err != nil {
			c.logger.Warn("Failed to buzz urgent card",
				zap.String("lark_message_id", msgID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (c *Client) urgent(ctx context.Context, messageID, openID string) error {
	const op = "lark.urgent_app"
	req := larkim.NewUrgentAppMessageReqBuilder().
		MessageId(messageID).
		UserIdType("open_id").
		UrgentReceivers(larkim.NewUrgentReceiversBuilder().
			UserIdList([]string{openID}).
			Build()).
		Build()

	resp, err := c.api.Im.Message.UrgentApp(ctx, req)
	if err != nil {
		return c.check(ctx, op, err, false, 0, "")
	}
	return c.check(ctx, op, nil, resp.Success(), resp.Code, resp.Msg)
}

// SendText 给用户发送纯文本
func (c *Client) SendText(ctx context.Context, openID, text string) error {
	_, err := c.create(ctx, "lark.send_text", larkim.ReceiveIdTypeOpenId, openID, larkim.MsgTypeText, textContent(text))
	return err
}

// SendChat 向群聊回复
func (c *Client) SendChat(ctx context.Context, chatID, body string) error {
	_, err := c.create(ctx, "lark.send_chat", larkim.ReceiveIdTypeChatId, chatID, larkim.MsgTypeText, textContent(body))
	return err
}

// ChatMessage 群聊中的一条消息
type ChatMessage struct {
	MessageID  string
	ChatID     string
	ThreadID   string
	SenderID   string
	SenderType string
	MsgType    string
	Text       string
	CreatedAt  time.Time
}

// ListChatMessages 最近 n 条消息，按时间正序
func (c *Client) ListChatMessages(ctx context.Context, chatID string, n int) ([]*ChatMessage, error) {
	const op = "lark.list_messages"
	if err := c.ready(op); err != nil {
		return nil, err
	}
	if n <= 0 || n > 50 {
		n = 50
	}

	req := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(chatID).
		SortType("ByCreateTimeDesc").
		PageSize(n).
		Build()

	resp, err := c.api.Im.Message.List(ctx, req)
	if err != nil {
		return nil, c.check(ctx, op, err, false, 0, "")
	}
	if err := c.check(ctx, op, nil, resp.Success(), resp.Code, resp.Msg); err != nil {
		return nil, err
	}

	var out []*ChatMessage
	for _, item := range resp.Data.Items {
		m := &ChatMessage{
			MessageID: deref(item.MessageId),
			ChatID:    chatID,
			ThreadID:  deref(item.RootId),
			MsgType:   deref(item.MsgType),
		}
		if ms, err := strconv.ParseInt(deref(item.CreateTime), 10, 64); err == nil {
			m.CreatedAt = time.UnixMilli(ms)
		}
		if item.Sender != nil {
			m.SenderID = deref(item.Sender.Id)
			m.SenderType = deref(item.Sender.SenderType)
		}
		if item.Body != nil {
			m.Text = ExtractText(m.MsgType, deref(item.Body.Content))
		}
		out = append(out, m)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ExtractText 从 text / post 消息内容中取出纯文本
func ExtractText(msgType, content string) string {
	switch msgType {
	case "text":
		var t struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &t); err == nil {
			return t.Text
		}
	case "post":
		var p struct {
			Title   string `json:"title"`
			Content [][]struct {
				Tag  string `json:"tag"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal([]byte(content), &p); err == nil {
			text := p.Title
			for _, line := range p.Content {
				if text != "" {
					text += "\n"
				}
				for _, el := range line {
					text += el.Text
				}
			}
			return text
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
