package notify

import (
	"fmt"
	"strconv"
	"time"

	"safereply/internal/command"
	"safereply/internal/model"
)

// 预览长度（字符）
const (
	UrgentBodyPreview  = 400
	NormalBodyPreview  = 300
	UrgentDraftPreview = 300
	NormalDraftPreview = 200
)

const ellipsis = "..."

// Truncate 超过 n 个字符时截断并加省略号
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + ellipsis
}

// SourceLabel 卡片上展示的来源
func SourceLabel(s model.SourceType) string {
	switch s {
	case model.SourceMail:
		return "メール"
	case model.SourceChat:
		return "チャット"
	case model.SourceForwarded:
		return "転送"
	}
	return string(s)
}

func headerSections(m *model.Message, summary string, bodyLimit int) []Section {
	sections := []Section{
		{Label: "送信元", Text: fmt.Sprintf("%s (%s)", m.DisplaySender(), SourceLabel(m.SourceType))},
	}
	if m.Subject != "" {
		sections = append(sections, Section{Label: "件名", Text: m.Subject})
	}
	if summary != "" {
		sections = append(sections, Section{Label: "ひとこと", Text: summary})
	}
	sections = append(sections, Section{Label: "本文", Text: Truncate(m.Content(), bodyLimit)})
	return sections
}

// UrgentCard 要返信：送信 / 修正 / 断る / ブロック
func UrgentCard(m *model.Message, summary string) *Card {
	sections := headerSections(m, summary, UrgentBodyPreview)
	if m.HasDraft() {
		sections = append(sections, Section{Label: "返信案", Text: Truncate(m.Draft(), UrgentDraftPreview)})
	} else {
		sections = append(sections, Section{Label: "返信案", Text: "返信案を作成できませんでした。「修正」から作り直せます。"})
	}

	return &Card{
		Title:    "【要返信】",
		Subtitle: "返信が必要なメッセージが届きました",
		Theme:    ThemeRed,
		Sections: sections,
		Buttons: []Button{
			{Label: "送信", Value: command.NewSend(m.ID).Encode(), Style: StylePrimary},
			{Label: "修正", Value: command.NewEdit(m.ID).Encode(), Style: StyleDefault},
			{Label: "断る", Value: command.NewDismiss(m.ID).Encode(), Style: StyleDanger},
			{Label: "🚫ブロック", Value: command.NewBlock(m.ID).Encode(), Style: StyleDefault},
		},
		Summary: "【要返信】" + m.DisplaySender(),
	}
}

// NormalCard 通常：返信送信（草稿がある時のみ）/ 既読 / 確認メール / ブロック
func NormalCard(m *model.Message, summary string) *Card {
	sections := headerSections(m, summary, NormalBodyPreview)
	var buttons []Button
	if m.HasDraft() {
		sections = append(sections, Section{Label: "返信案", Text: Truncate(m.Draft(), NormalDraftPreview)})
		buttons = append(buttons, Button{Label: "返信送信", Value: command.NewSend(m.ID).Encode(), Style: StylePrimary})
	}
	buttons = append(buttons,
		Button{Label: "既読", Value: command.NewRead(m.ID).Encode(), Style: StyleDefault},
		Button{Label: "確認メール", Value: command.NewAcknowledge(m.ID).Encode(), Style: StyleDefault},
		Button{Label: "🚫ブロック", Value: command.NewBlock(m.ID).Encode(), Style: StyleDefault},
	)

	return &Card{
		Title:    "【メッセージ受信】",
		Subtitle: "共有・CCメッセージが届きました",
		Theme:    ThemeGreen,
		Sections: sections,
		Buttons:  buttons,
		Summary:  "【メッセージ受信】" + m.DisplaySender(),
	}
}

// ToneCard 修正：选择语气，或者直接发送文本替换草稿
func ToneCard(m *model.Message, editWindow time.Duration) *Card {
	buttons := make([]Button, 0, len(model.Tones))
	for _, t := range model.Tones {
		buttons = append(buttons, Button{
			Label: t.Label(),
			Value: command.NewEditRegenerate(m.ID, t).Encode(),
			Style: StyleDefault,
		})
	}
	hint := fmt.Sprintf("トーンを選ぶと返信案を作り直します。\n%d分以内にテキストを送ると、その内容で返信案を置き換えます。",
		int(editWindow.Minutes()))

	sections := []Section{{Text: hint}}
	if m.HasDraft() {
		sections = append(sections, Section{Label: "現在の返信案", Text: Truncate(m.Draft(), UrgentDraftPreview)})
	}
	return &Card{
		Title:    "返信案の修正",
		Theme:    ThemeBlue,
		Sections: sections,
		Buttons:  buttons,
		Summary:  "返信案の修正",
	}
}

// ConfirmCard 草稿更新后：送信 / 再修正 / 全文
func ConfirmCard(m *model.Message) *Card {
	return &Card{
		Title: "返信案を更新しました",
		Theme: ThemeBlue,
		Sections: []Section{
			{Label: "返信案", Text: Truncate(m.Draft(), UrgentBodyPreview)},
		},
		Buttons: []Button{
			{Label: "この内容で送信", Value: command.NewSend(m.ID).Encode(), Style: StylePrimary},
			{Label: "再修正", Value: command.NewEdit(m.ID).Encode(), Style: StyleDefault},
			{Label: "全文を見る", Value: command.NewViewDraft(m.ID).Encode(), Style: StyleDefault},
		},
		Summary: "返信案を更新しました",
	}
}

// Severity 紧急告警级别
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) Label() string {
	switch s {
	case SeverityCritical:
		return "【緊急】"
	case SeverityWarning:
		return "【警告】"
	case SeverityInfo:
		return "【お知らせ】"
	}
	return "【お知らせ】"
}

func (s Severity) Theme() Theme {
	switch s {
	case SeverityCritical:
		return ThemeRed
	case SeverityWarning:
		return ThemeOrange
	case SeverityInfo:
		return ThemeBlue
	}
	return ThemeBlue
}

// Alert 系统告警内容
type Alert struct {
	Title     string
	Message   string
	Details   string
	Severity  Severity
	Timestamp time.Time
	ActionURL string
}

// EmergencyCard 确认按钮必有；ActionURL 非空时加跳转按钮
func EmergencyCard(a Alert) *Card {
	sections := []Section{
		{Text: a.Title},
		{Text: "発生時刻: " + a.Timestamp.Format("2006-01-02 15:04:05 MST")},
		{Text: a.Message},
	}
	if a.Details != "" {
		sections = append(sections, Section{Label: "詳細情報", Text: a.Details})
	}

	var buttons []Button
	if a.ActionURL != "" {
		buttons = append(buttons, Button{Label: "詳細を確認", URL: a.ActionURL, Style: StyleDefault})
	}
	ack := command.AcknowledgeEmergency{
		Severity:  string(a.Severity),
		Timestamp: strconv.FormatInt(a.Timestamp.UnixMilli(), 10),
	}
	buttons = append(buttons, Button{Label: "確認済み", Value: ack.Encode(), Style: StylePrimary})

	return &Card{
		Title:    a.Severity.Label(),
		Subtitle: a.Title,
		Theme:    a.Severity.Theme(),
		Sections: sections,
		Buttons:  buttons,
		Summary:  a.Severity.Label() + " " + a.Title,
	}
}
