package larkbot

import (
	"encoding/json"
	"strings"

	"safereply/internal/notify"
)

// ValueKey 按钮 value 中保存 action 字符串的字段
const ValueKey = "data"

type plainText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type cardHeader struct {
	Title    plainText  `json:"title"`
	Subtitle *plainText `json:"subtitle,omitempty"`
	Template string     `json:"template"`
}

type cardButton struct {
	Tag   string            `json:"tag"`
	Text  plainText         `json:"text"`
	Type  string            `json:"type"`
	URL   string            `json:"url,omitempty"`
	Value map[string]string `json:"value,omitempty"`
}

type interactiveCard struct {
	Config   map[string]bool `json:"config"`
	Header   cardHeader      `json:"header"`
	Elements []interface{}   `json:"elements"`
}

// escapeMD lark_md 中需要转义的字符
var escapeMD = strings.NewReplacer("*", "\\*", "_", "\\_", "~", "\\~", "`", "\\`")

func buttonType(s notify.ButtonStyle) string {
	switch s {
	case notify.StylePrimary:
		return "primary"
	case notify.StyleDanger:
		return "danger"
	case notify.StyleDefault:
		return "default"
	}
	return "default"
}

// RenderCard 把通用卡片转换成飞书消息卡片 JSON
func RenderCard(c *notify.Card) (string, error) {
	card := interactiveCard{
		Config: map[string]bool{"wide_screen_mode": true, "update_multi": false},
		Header: cardHeader{
			Title:    plainText{Tag: "plain_text", Content: c.Title},
			Template: string(c.Theme),
		},
	}
	if c.Subtitle != "" {
		card.Header.Subtitle = &plainText{Tag: "plain_text", Content: c.Subtitle}
	}

	for i, s := range c.Sections {
		if i > 0 {
			card.Elements = append(card.Elements, map[string]string{"tag": "hr"})
		}
		content := escapeMD.Replace(s.Text)
		if s.Label != "" {
			content = "**" + s.Label + "**\n" + content
		}
		card.Elements = append(card.Elements, map[string]interface{}{
			"tag":  "div",
			"text": map[string]string{"tag": "lark_md", "content": content},
		})
	}

	if len(c.Buttons) > 0 {
		actions := make([]cardButton, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			btn := cardButton{
				Tag:  "button",
				Text: plainText{Tag: "plain_text", Content: b.Label},
				Type: buttonType(b.Style),
			}
			if b.URL != "" {
				btn.URL = b.URL
			} else {
				btn.Value = map[string]string{ValueKey: b.Value}
			}
			actions = append(actions, btn)
		}
		card.Elements = append(card.Elements, map[string]interface{}{
			"tag":     "action",
			"actions": actions,
		})
	}

	data, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func textContent(text string) string {
	data, _ := json.Marshal(map[string]string{"text": text})
	return string(data)
}
