package notify

import "context"

// Theme 卡片头部配色
type Theme string

const (
	ThemeRed    Theme = "red"    // #FF6B6B 要返信 / #FF0000 critical
	ThemeGreen  Theme = "green"  // #4CAF50 普通消息
	ThemeOrange Theme = "orange" // #FF9800 warning
	ThemeBlue   Theme = "blue"   // #2196F3 info
	ThemeGrey   Theme = "grey"
)

// ButtonStyle 按钮样式
type ButtonStyle string

const (
	StylePrimary ButtonStyle = "primary"
	StyleDanger  ButtonStyle = "danger"
	StyleDefault ButtonStyle = "default"
)

// Button Value 为 action 字符串；URL 非空时为跳转按钮
type Button struct {
	Label string
	Value string
	URL   string
	Style ButtonStyle
}

// Section 带小标题的一段文本
type Section struct {
	Label string
	Text  string
}

// Card 与渠道无关的卡片布局
type Card struct {
	Title    string
	Subtitle string
	Theme    Theme
	Sections []Section
	Buttons  []Button
	// Summary 用于推送预览 / 不支持卡片时的降级文本
	Summary string
}

// Channel 通知渠道，to 为用户在渠道中的标识
type Channel interface {
	SendCard(ctx context.Context, to string, card *Card, audible bool) error
	SendText(ctx context.Context, to, text string) error
}
