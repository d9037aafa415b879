package larkbot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/core/httpserverext"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"
)

// TextMessage 用户发给机器人的文本
type TextMessage struct {
	OpenID    string
	ChatID    string
	ChatType  string
	MessageID string
	Text      string
}

// TextHandler 处理入站文本，在事件回调的 goroutine 之外执行
type TextHandler func(ctx context.Context, msg TextMessage)

// OnText 设置入站文本处理函数
func (c *Client) OnText(fn TextHandler) {
	c.onText = fn
}

func (c *Client) eventDispatcher(verificationToken string) *dispatcher.EventDispatcher {
	return dispatcher.NewEventDispatcher(verificationToken, "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			msg, ok := toTextMessage(event)
			if !ok || c.onText == nil {
				return nil
			}
			c.logger.Debug("Lark text event received",
				zap.String("open_id", msg.OpenID),
				zap.String("chat_type", msg.ChatType),
			)
			// 立即返回让 SDK 回 ACK，否则飞书会超时重推
			go c.onText(context.WithoutCancel(ctx), msg)
			return nil
		})
}

func toTextMessage(event *larkim.P2MessageReceiveV1) (TextMessage, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return TextMessage{}, false
	}
	m := event.Event.Message
	msgType := deref(m.MessageType)
	if msgType != "text" && msgType != "post" {
		return TextMessage{}, false
	}

	out := TextMessage{
		ChatID:    deref(m.ChatId),
		ChatType:  deref(m.ChatType),
		MessageID: deref(m.MessageId),
		Text:      strings.TrimSpace(ExtractText(msgType, deref(m.Content))),
	}
	if s := event.Event.Sender; s != nil && s.SenderId != nil {
		out.OpenID = deref(s.SenderId.OpenId)
	}
	if out.OpenID == "" || out.Text == "" {
		return TextMessage{}, false
	}
	return out, true
}

// Start 建立长连接接收事件，阻塞直到 ctx 结束
func (c *Client) Start(ctx context.Context) error {
	if err := c.ready("lark.ws"); err != nil {
		return err
	}
	ws := larkws.NewClient(c.cfg.AppID, c.cfg.AppSecret,
		larkws.WithEventHandler(c.eventDispatcher("")),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)
	c.logger.Info("Lark websocket connecting", zap.String("app_id", c.cfg.AppID))
	return ws.Start(ctx)
}

// WebhookHandler webhook 模式下的事件入口
func (c *Client) WebhookHandler() http.HandlerFunc {
	return httpserverext.NewEventHandlerFunc(c.eventDispatcher(c.cfg.VerificationToken))
}

// CardAction 卡片按钮回调中需要的字段
type CardAction struct {
	OpenID    string
	Value     string
	Token     string
	Challenge string
}

// ErrBadToken 回调 token 与配置不一致
var ErrBadToken = errors.New("lark callback token mismatch")

type cardCallback struct {
	// url_verification
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Token     string `json:"token"`

	// 旧版回调
	OpenID string `json:"open_id"`
	Action *struct {
		Value map[string]interface{} `json:"value"`
	} `json:"action"`

	// 2.0 回调 card.action.trigger
	Schema string `json:"schema"`
	Header *struct {
		Token     string `json:"token"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event *struct {
		Operator struct {
			OpenID string `json:"open_id"`
		} `json:"operator"`
		Action struct {
			Value map[string]interface{} `json:"value"`
		} `json:"action"`
	} `json:"event"`
}

// ParseCardAction 解析卡片回调（兼容 1.0 和 2.0 结构），校验 verification token
func ParseCardAction(body []byte, verificationToken string) (*CardAction, error) {
	var cb cardCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, err
	}

	out := &CardAction{Token: cb.Token, Challenge: cb.Challenge, OpenID: cb.OpenID}
	var value map[string]interface{}
	if cb.Action != nil {
		value = cb.Action.Value
	}
	if cb.Schema == "2.0" && cb.Header != nil {
		out.Token = cb.Header.Token
		if cb.Event != nil {
			out.OpenID = cb.Event.Operator.OpenID
			value = cb.Event.Action.Value
		}
	}
	if verificationToken != "" && out.Token != verificationToken {
		return nil, ErrBadToken
	}
	if s, ok := value[ValueKey].(string); ok {
		out.Value = s
	}
	return out, nil
}
