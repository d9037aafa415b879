package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceType 消息来源
type SourceType string

const (
	SourceMail      SourceType = "mail"
	SourceChat      SourceType = "chat"
	SourceForwarded SourceType = "forwarded"
)

func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceMail, SourceChat, SourceForwarded:
		return SourceType(s), nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// TriageType 紧急程度；TriageNone 表示尚未分类
type TriageType string

const (
	TriageNone   TriageType = ""
	TriageUrgent TriageType = "urgent"
	TriageNormal TriageType = "normal"
	TriageLow    TriageType = "low"
)

func ParseTriageType(s string) (TriageType, error) {
	switch TriageType(s) {
	case TriageNone, TriageUrgent, TriageNormal, TriageLow:
		return TriageType(s), nil
	}
	return TriageNone, fmt.Errorf("unknown triage type %q", s)
}

// WantsDraft urgent / normal 需要生成草稿
func (t TriageType) WantsDraft() bool {
	switch t {
	case TriageUrgent, TriageNormal:
		return true
	case TriageLow, TriageNone:
		return false
	}
	return false
}

// Status 消息生命周期状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusNotified  Status = "notified"
	StatusSent      Status = "sent"
	StatusDismissed Status = "dismissed"
	StatusRead      Status = "read"
	StatusSnoozed   Status = "snoozed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusNotified, StatusSent, StatusDismissed, StatusRead, StatusSnoozed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Actioned 是否已被所有者处理过
func (s Status) Actioned() bool {
	switch s {
	case StatusSent, StatusDismissed, StatusRead, StatusSnoozed:
		return true
	case StatusPending, StatusNotified:
		return false
	}
	return false
}

// Tone 草稿语气
type Tone string

const (
	ToneFormal Tone = "formal"
	ToneCasual Tone = "casual"
	ToneBrief  Tone = "brief"
)

func ParseTone(s string) (Tone, error) {
	switch Tone(s) {
	case ToneFormal, ToneCasual, ToneBrief:
		return Tone(s), nil
	}
	return "", fmt.Errorf("unknown tone %q", s)
}

// Tones 按展示顺序
var Tones = []Tone{ToneFormal, ToneCasual, ToneBrief}

// Label 按钮上展示的名称
func (t Tone) Label() string {
	switch t {
	case ToneFormal:
		return "フォーマル"
	case ToneCasual:
		return "カジュアル"
	case ToneBrief:
		return "簡潔"
	}
	return string(t)
}

// 常用 metadata key
const (
	MetaChatID        = "chat_id"
	MetaForwardedFrom = "forwarded_from"
	MetaForwardedAt   = "forwarded_at"
	MetaSenderOpenID  = "sender_open_id"
)

// Message 一条被摄取的消息
type Message struct {
	ID               string
	UserID           string
	SourceType       SourceType
	SourceMessageID  string
	ThreadID         string
	SenderIdentifier string
	SenderName       string
	Subject          string
	BodyPlain        string
	ExtractedContent string
	TriageType       TriageType
	TriageReason     string
	PriorityScore    int
	Confidence       float64
	DraftReply       *string
	Status           Status
	ReceivedAt       time.Time
	NotifiedAt       *time.Time
	ActionedAt       *time.Time
	Metadata         map[string]string
}

// HasDraft 草稿存在且非空
func (m *Message) HasDraft() bool {
	return m.DraftReply != nil && *m.DraftReply != ""
}

// Draft 返回草稿文本，没有则为空串
func (m *Message) Draft() string {
	if m.DraftReply == nil {
		return ""
	}
	return *m.DraftReply
}

// Content 分类和草稿使用的正文：优先附件抽取后的内容
func (m *Message) Content() string {
	if m.ExtractedContent != "" {
		return m.ExtractedContent
	}
	return m.BodyPlain
}

// AttachmentsText 从 ExtractedContent 还原附件抽取的文本
func (m *Message) AttachmentsText() string {
	if m.ExtractedContent == "" {
		return ""
	}
	body := strings.TrimSpace(m.BodyPlain)
	if !strings.HasPrefix(m.ExtractedContent, body) {
		return m.ExtractedContent
	}
	return strings.TrimSpace(strings.TrimPrefix(m.ExtractedContent, body))
}

// DisplaySender 优先展示名称
func (m *Message) DisplaySender() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.SenderIdentifier
}
