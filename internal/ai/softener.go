package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"safereply/internal/model"
)

const (
	softenMaxRunes  = 150
	softenBodyRunes = 500
)

// SoftenInput 通知前的柔化摘要输入
type SoftenInput struct {
	SenderName string
	Subject    string
	Body       string
	TriageType model.TriageType
	HasDraft   bool
}

// Softener 总是返回可展示的文本
type Softener interface {
	Soften(ctx context.Context, in SoftenInput) string
}

type OpenAISoftener struct {
	completer Completer
	logger    *zap.Logger
}

func NewSoftener(c Completer, logger *zap.Logger) *OpenAISoftener {
	return &OpenAISoftener{completer: c, logger: logger}
}

// FallbackSummary 生成失败或原样返回时使用
func FallbackSummary(sender string) string {
	if sender == "" {
		sender = "だれか"
	}
	return fmt.Sprintf("%sさんからメッセージが届いたよ。内容を確認してね。", sender)
}

func (s *OpenAISoftener) Soften(ctx context.Context, in SoftenInput) string {
	text, err := s.completer.Complete(ctx, "soften", Request{
		System:      softenSystem,
		User:        buildSoftenPrompt(in),
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		s.logger.Warn("Soften failed, using fallback", zap.Error(err))
		return FallbackSummary(in.SenderName)
	}
	text = strings.Trim(strings.TrimSpace(text), "「」\"")
	if text == "" || text == strings.TrimSpace(in.Body) {
		return FallbackSummary(in.SenderName)
	}
	return truncateRunes(text, softenMaxRunes)
}
