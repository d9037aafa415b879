package ai

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"safereply/internal/model"
)

// ClassifyInput 分类输入；ThreadHistory 最多 5 条
type ClassifyInput struct {
	Subject         string
	Body            string
	ThreadHistory   []string
	AttachmentsText string
}

// TriageResult 分类结果
type TriageResult struct {
	Type          model.TriageType
	Confidence    float64
	Reason        string
	PriorityScore int
	Details       map[string]interface{}
}

// Classifier 分类器
type Classifier interface {
	Classify(ctx context.Context, in ClassifyInput) (*TriageResult, error)
}

// Degraded 分类失败时的替代结果：按 normal 处理，保证消息仍会被展示
func Degraded(err error) *TriageResult {
	reason := "Error: unknown"
	if err != nil {
		reason = "Error: " + err.Error()
	}
	return &TriageResult{
		Type:          model.TriageNormal,
		Confidence:    0,
		Reason:        reason,
		PriorityScore: 50,
	}
}

// OpenAIClassifier 基于补全接口的分类器
type OpenAIClassifier struct {
	completer Completer
}

func NewClassifier(c Completer) *OpenAIClassifier {
	return &OpenAIClassifier{completer: c}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, in ClassifyInput) (*TriageResult, error) {
	text, err := c.completer.Complete(ctx, "classify", Request{
		System:      classifySystem,
		User:        buildClassifyPrompt(in),
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, err
	}
	return ParseTriage(text), nil
}

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareJSON   = regexp.MustCompile(`(?s)\{.*\}`)
)

type rawTriage struct {
	Type          string                 `json:"type"`
	Confidence    *float64               `json:"confidence"`
	Reason        string                 `json:"reason"`
	PriorityScore *float64               `json:"priority_score"`
	Details       map[string]interface{} `json:"details"`
}

// ParseTriage 解析模型输出；不是 JSON 时按关键字兜底
func ParseTriage(text string) *TriageResult {
	if r, err := parseTriageJSON(text); err == nil {
		return r
	}
	return keywordTriage(text)
}

func extractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return bareJSON.FindString(text)
}

func parseTriageJSON(text string) (*TriageResult, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, errors.New("no json object in response")
	}
	var p rawTriage
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}

	t, ok := triageAlias(p.Type)
	if !ok {
		t = model.TriageNormal
	}
	r := &TriageResult{
		Type:          t,
		Confidence:    0.5,
		Reason:        p.Reason,
		PriorityScore: defaultScore(t),
		Details:       p.Details,
	}
	if p.Confidence != nil {
		r.Confidence = clampFloat(*p.Confidence, 0, 1)
	}
	if p.PriorityScore != nil {
		r.PriorityScore = int(clampFloat(*p.PriorityScore, 0, 100))
	}
	return r, nil
}

// triageAlias 同时接受 A/B/C 写法
func triageAlias(s string) (model.TriageType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent", "a", "type a":
		return model.TriageUrgent, true
	case "normal", "b", "type b":
		return model.TriageNormal, true
	case "low", "c", "type c":
		return model.TriageLow, true
	}
	return model.TriageNone, false
}

func defaultScore(t model.TriageType) int {
	switch t {
	case model.TriageUrgent:
		return 90
	case model.TriageLow:
		return 20
	case model.TriageNormal, model.TriageNone:
		return 50
	}
	return 50
}

func keywordTriage(text string) *TriageResult {
	upper := strings.ToUpper(text)
	reason := truncateRunes(strings.TrimSpace(text), 200)
	switch {
	case strings.Contains(upper, "TYPE A") || strings.Contains(upper, "URGENT") || strings.Contains(text, "緊急"):
		return &TriageResult{Type: model.TriageUrgent, Confidence: 0.6, Reason: reason, PriorityScore: 90}
	case strings.Contains(upper, "TYPE C") || strings.Contains(upper, "LOW") || strings.Contains(text, "低優先度"):
		return &TriageResult{Type: model.TriageLow, Confidence: 0.6, Reason: reason, PriorityScore: 20}
	}
	return &TriageResult{Type: model.TriageNormal, Confidence: 0.5, Reason: reason, PriorityScore: 50}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
