package ai

import (
	"context"
	"errors"
	"strings"

	"safereply/internal/model"
)

// DraftInput 草稿生成输入
type DraftInput struct {
	Subject         string
	Body            string
	TriageType      model.TriageType
	Tone            model.Tone
	ThreadHistory   []string
	AttachmentsText string
}

// Drafter 草稿生成
type Drafter interface {
	Draft(ctx context.Context, in DraftInput) (string, error)
}

type OpenAIDrafter struct {
	completer Completer
}

func NewDrafter(c Completer) *OpenAIDrafter {
	return &OpenAIDrafter{completer: c}
}

func (d *OpenAIDrafter) Draft(ctx context.Context, in DraftInput) (string, error) {
	if in.Tone == "" {
		in.Tone = model.ToneFormal
	}
	text, err := d.completer.Complete(ctx, "draft", Request{
		System:      draftSystem,
		User:        buildDraftPrompt(in),
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		return "", err
	}
	text = cleanDraft(text)
	if text == "" {
		return "", errors.New("empty draft")
	}
	return text, nil
}

// cleanDraft 去掉模型偶尔包上的代码块
func cleanDraft(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
