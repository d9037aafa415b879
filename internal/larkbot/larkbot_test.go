package larkbot

import (
	"context"
	"encoding/json"
	"testing"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/config"
	"safereply/internal/notify"
)

func TestRenderCard(t *testing.T) {
	out, err := RenderCard(&notify.Card{
		Title:    "【要返信】",
		Subtitle: "返信が必要なメッセージが届きました",
		Theme:    notify.ThemeRed,
		Sections: []notify.Section{{Label: "件名", Text: "a*b"}, {Text: "body"}},
		Buttons: []notify.Button{
			{Label: "送信", Value: "action=send&message_id=m1", Style: notify.StylePrimary},
			{Label: "詳細を確認", URL: "https://example.com"},
		},
	})
	require.NoError(t, err)

	var card map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &card))
	header := card["header"].(map[string]interface{})
	assert.Equal(t, "red", header["template"])

	elements := card["elements"].([]interface{})
	require.Len(t, elements, 4) // div, hr, div, action
	first := elements[0].(map[string]interface{})["text"].(map[string]interface{})
	assert.Equal(t, "**件名**\na\\*b", first["content"])

	actions := elements[3].(map[string]interface{})["actions"].([]interface{})
	send := actions[0].(map[string]interface{})
	assert.Equal(t, "primary", send["type"])
	assert.Equal(t, map[string]interface{}{"data": "action=send&message_id=m1"}, send["value"])
	link := actions[1].(map[string]interface{})
	assert.Equal(t, "https://example.com", link["url"])
	assert.Nil(t, link["value"])
}

func TestParseCardAction_V1(t *testing.T) {
	body := `{"open_id":"ou_1","token":"tok","action":{"tag":"button","value":{"data":"action=read&message_id=m1"}}}`
	a, err := ParseCardAction([]byte(body), "tok")
	require.NoError(t, err)
	assert.Equal(t, "ou_1", a.OpenID)
	assert.Equal(t, "action=read&message_id=m1", a.Value)
}

func TestParseCardAction_V2(t *testing.T) {
	body := `{"schema":"2.0","header":{"token":"tok","event_type":"card.action.trigger"},
		"event":{"operator":{"open_id":"ou_2"},"action":{"value":{"data":"action=blocklist"}}}}`
	a, err := ParseCardAction([]byte(body), "tok")
	require.NoError(t, err)
	assert.Equal(t, "ou_2", a.OpenID)
	assert.Equal(t, "action=blocklist", a.Value)
}

func TestParseCardAction_Challenge(t *testing.T) {
	a, err := ParseCardAction([]byte(`{"challenge":"c1","token":"tok","type":"url_verification"}`), "tok")
	require.NoError(t, err)
	assert.Equal(t, "c1", a.Challenge)

	_, err = ParseCardAction([]byte(`{"challenge":"c1","token":"other"}`), "tok")
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestExtractText(t *testing.T) {
	assert.Equal(t, "hi", ExtractText("text", `{"text":"hi"}`))
	assert.Equal(t, "T\nab\ncd", ExtractText("post",
		`{"title":"T","content":[[{"tag":"text","text":"a"},{"tag":"text","text":"b"}],[{"tag":"text","text":"cd"}]]}`))
	assert.Equal(t, "", ExtractText("image", `{"image_key":"k"}`))
}

func receiveEvent(msgType, content, openID string) *larkim.P2MessageReceiveV1 {
	return &larkim.P2MessageReceiveV1{Event: &larkim.P2MessageReceiveV1Data{
		Sender: &larkim.EventSender{SenderId: &larkim.UserId{OpenId: larkcore.StringPtr(openID)}},
		Message: &larkim.EventMessage{
			MessageId:   larkcore.StringPtr("om_1"),
			ChatId:      larkcore.StringPtr("oc_1"),
			ChatType:    larkcore.StringPtr("p2p"),
			MessageType: larkcore.StringPtr(msgType),
			Content:     larkcore.StringPtr(content),
		},
	}}
}

func TestToTextMessage(t *testing.T) {
	msg, ok := toTextMessage(receiveEvent("text", `{"text":" 下書き "}`, "ou_a"))
	require.True(t, ok)
	assert.Equal(t, TextMessage{OpenID: "ou_a", ChatID: "oc_1", ChatType: "p2p", MessageID: "om_1", Text: "下書き"}, msg)

	_, ok = toTextMessage(receiveEvent("image", `{"image_key":"k"}`, "ou_a"))
	assert.False(t, ok)
	_, ok = toTextMessage(receiveEvent("text", `{"text":"hi"}`, ""))
	assert.False(t, ok)
	_, ok = toTextMessage(nil)
	assert.False(t, ok)
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(config.LarkConfig{}, zap.NewNop())
	err := c.SendText(context.Background(), "ou", "hi")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	_, err = c.ListChatMessages(context.Background(), "oc", 10)
	assert.ErrorIs(t, err, apperr.Configuration)
}
