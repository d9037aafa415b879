package ai

import (
	"fmt"
	"strings"

	"safereply/internal/model"
)

const classifySystem = `あなたは受信メッセージの優先度を判定するアシスタントです。
必ず JSON のみで回答してください。`

const draftSystem = `あなたはユーザーの代わりに返信文を下書きするアシスタントです。
返信本文のみを出力し、説明や前置きは書かないでください。`

const softenSystem = `あなたはユーザーに届いたメッセージをやさしく短く伝えるアシスタントです。
責められている印象を与えず、次にやることを一つだけ提案してください。`

// 语气说明
func toneDescription(t model.Tone) string {
	switch t {
	case model.ToneFormal:
		return "丁寧でフォーマルな文体"
	case model.ToneCasual:
		return "カジュアルで親しみやすい文体"
	case model.ToneBrief:
		return "簡潔で要点を押さえた文体"
	}
	return "丁寧でフォーマルな文体"
}

func writeContext(b *strings.Builder, subject, body string, history []string, attachments string) {
	if subject != "" {
		fmt.Fprintf(b, "## 件名\n%s\n\n", subject)
	}
	fmt.Fprintf(b, "## 本文\n%s\n\n", body)
	if len(history) > 0 {
		b.WriteString("## 過去のやりとり（新しい順）\n")
		for i, h := range history {
			fmt.Fprintf(b, "%d. %s\n", i+1, h)
		}
		b.WriteString("\n")
	}
	if attachments != "" {
		fmt.Fprintf(b, "## 添付ファイル\n%s\n\n", attachments)
	}
}

func buildClassifyPrompt(in ClassifyInput) string {
	var b strings.Builder
	b.WriteString("次のメッセージを urgent / normal / low のいずれかに分類してください。\n")
	b.WriteString("- urgent: すぐに対応が必要（期限が近い、重要な判断が必要）\n")
	b.WriteString("- normal: 一日以内に対応すればよい通常の連絡\n")
	b.WriteString("- low: ニュースレターや通知など、返信不要のもの\n\n")
	writeContext(&b, in.Subject, in.Body, in.ThreadHistory, in.AttachmentsText)
	b.WriteString("## 出力形式\n")
	b.WriteString(`{"type": "urgent|normal|low", "confidence": 0.0-1.0, "reason": "理由", "priority_score": 0-100, "details": {"requires_response": true}}`)
	return b.String()
}

func buildDraftPrompt(in DraftInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "次のメッセージへの返信を%sで書いてください。\n", toneDescription(in.Tone))
	switch in.TriageType {
	case model.TriageUrgent:
		b.WriteString("急ぎの案件なので、対応する意思と次のステップを明確にしてください。\n\n")
	case model.TriageNormal, model.TriageLow, model.TriageNone:
		b.WriteString("必要なら確認事項を含めてください。\n\n")
	}
	writeContext(&b, in.Subject, in.Body, in.ThreadHistory, in.AttachmentsText)
	return b.String()
}

func buildSoftenPrompt(in SoftenInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "次のメッセージを%d文字以内で、「%sさんから〜だよ」という形で伝えてください。\n\n", softenMaxRunes, in.SenderName)
	if in.Subject != "" {
		fmt.Fprintf(&b, "件名: %s\n", in.Subject)
	}
	fmt.Fprintf(&b, "本文: %s\n", truncateRunes(in.Body, softenBodyRunes))
	if in.TriageType == model.TriageUrgent && in.HasDraft {
		b.WriteString("\n返信案を用意してあることも一言添えてください。\n")
	}
	return b.String()
}

// truncateRunes 按字符截断，不加省略号
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
