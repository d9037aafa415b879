package command

import (
	"fmt"
	"net/url"
	"strings"

	"safereply/internal/apperr"
	"safereply/internal/model"
)

// 按钮回传的 action 名称
const (
	NameSend                 = "send"
	NameViewDraft            = "view_draft"
	NameEdit                 = "edit"
	NameEditRegenerate       = "edit_regenerate"
	NameDismiss              = "dismiss"
	NameRead                 = "read"
	NameAcknowledge          = "acknowledge"
	NameBlock                = "block"
	NameBlocklist            = "blocklist"
	NameAcknowledgeEmergency = "acknowledge_emergency"
)

// Command 解码后的按钮动作，只有本包内的类型实现
type Command interface {
	Name() string
	Encode() string
	sealed()
}

// MessageCommand 指向某条消息的动作
type MessageCommand interface {
	Command
	Target() string
}

type target struct {
	MessageID string
}

func (t target) Target() string { return t.MessageID }
func (target) sealed()          {}

func encode(name, messageID string) string {
	v := url.Values{}
	v.Set("action", name)
	v.Set("message_id", messageID)
	return v.Encode()
}

type Send struct{ target }
type ViewDraft struct{ target }
type Edit struct{ target }
type Dismiss struct{ target }
type Read struct{ target }
type Acknowledge struct{ target }
type Block struct{ target }

// EditRegenerate 按指定语气重新生成草稿
type EditRegenerate struct {
	target
	Tone model.Tone
}

// Blocklist 查看屏蔽列表，不指向消息
type Blocklist struct{}

// AcknowledgeEmergency 紧急告警卡片上的确认按钮
type AcknowledgeEmergency struct {
	Severity  string
	Timestamp string
}

func NewSend(id string) Send               { return Send{target{id}} }
func NewViewDraft(id string) ViewDraft     { return ViewDraft{target{id}} }
func NewEdit(id string) Edit               { return Edit{target{id}} }
func NewDismiss(id string) Dismiss         { return Dismiss{target{id}} }
func NewRead(id string) Read               { return Read{target{id}} }
func NewAcknowledge(id string) Acknowledge { return Acknowledge{target{id}} }
func NewBlock(id string) Block             { return Block{target{id}} }

func NewEditRegenerate(id string, tone model.Tone) EditRegenerate {
	return EditRegenerate{target: target{id}, Tone: tone}
}

func (Send) Name() string        { return NameSend }
func (ViewDraft) Name() string   { return NameViewDraft }
func (Edit) Name() string        { return NameEdit }
func (Dismiss) Name() string     { return NameDismiss }
func (Read) Name() string        { return NameRead }
func (Acknowledge) Name() string { return NameAcknowledge }
func (Block) Name() string       { return NameBlock }

func (c Send) Encode() string        { return encode(NameSend, c.MessageID) }
func (c ViewDraft) Encode() string   { return encode(NameViewDraft, c.MessageID) }
func (c Edit) Encode() string        { return encode(NameEdit, c.MessageID) }
func (c Dismiss) Encode() string     { return encode(NameDismiss, c.MessageID) }
func (c Read) Encode() string        { return encode(NameRead, c.MessageID) }
func (c Acknowledge) Encode() string { return encode(NameAcknowledge, c.MessageID) }
func (c Block) Encode() string       { return encode(NameBlock, c.MessageID) }

func (EditRegenerate) Name() string { return NameEditRegenerate }

// Encode url.Values 按 key 排序：action, message_id, tone
func (c EditRegenerate) Encode() string {
	v := url.Values{}
	v.Set("action", NameEditRegenerate)
	v.Set("message_id", c.MessageID)
	v.Set("tone", string(c.Tone))
	return v.Encode()
}

func (Blocklist) Name() string   { return NameBlocklist }
func (Blocklist) Encode() string { return "action=" + NameBlocklist }
func (Blocklist) sealed()        {}

func (AcknowledgeEmergency) Name() string { return NameAcknowledgeEmergency }
func (AcknowledgeEmergency) sealed()      {}

func (c AcknowledgeEmergency) Encode() string {
	v := url.Values{}
	v.Set("action", NameAcknowledgeEmergency)
	v.Set("severity", c.Severity)
	v.Set("timestamp", c.Timestamp)
	return v.Encode()
}

// Decode 在边界处把 action 字符串解析为 Command，失败返回 ValidationError
func Decode(s string) (Command, error) {
	const op = "command.decode"

	v, err := url.ParseQuery(strings.TrimSpace(s))
	if err != nil {
		return nil, apperr.NewValidation(op, "malformed action string")
	}
	name := v.Get("action")
	if name == "" {
		return nil, apperr.NewValidation(op, "missing action")
	}

	switch name {
	case NameBlocklist:
		return Blocklist{}, nil
	case NameAcknowledgeEmergency:
		return AcknowledgeEmergency{Severity: v.Get("severity"), Timestamp: v.Get("timestamp")}, nil
	}

	id := v.Get("message_id")
	if id == "" {
		return nil, apperr.NewValidation(op, fmt.Sprintf("action %q requires message_id", name))
	}
	t := target{id}

	switch name {
	case NameSend:
		return Send{t}, nil
	case NameViewDraft:
		return ViewDraft{t}, nil
	case NameEdit:
		return Edit{t}, nil
	case NameDismiss:
		return Dismiss{t}, nil
	case NameRead:
		return Read{t}, nil
	case NameAcknowledge:
		return Acknowledge{t}, nil
	case NameBlock:
		return Block{t}, nil
	case NameEditRegenerate:
		tone := model.ToneFormal
		if raw := v.Get("tone"); raw != "" {
			tone, err = model.ParseTone(raw)
			if err != nil {
				return nil, apperr.NewValidation(op, fmt.Sprintf("invalid tone %q", raw))
			}
		}
		return EditRegenerate{target: t, Tone: tone}, nil
	}
	return nil, apperr.NewValidation(op, fmt.Sprintf("unknown action %q", name))
}
