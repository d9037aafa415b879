package blocklist

import (
	"context"
	"regexp"
	"strings"

	"safereply/internal/apperr"
	"safereply/internal/repository"
)

var angleAddr = regexp.MustCompile(`<([^<>]+)>`)

// Normalize "Name <addr>" 取出 addr，统一小写
// 不含 @ 的标识（例如聊天用户 ID）原样小写返回
func Normalize(sender string) string {
	s := strings.TrimSpace(sender)
	if m := angleAddr.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// Domain 返回地址的域名部分，没有则为空
func Domain(normalized string) string {
	i := strings.LastIndex(normalized, "@")
	if i < 0 || i == len(normalized)-1 {
		return ""
	}
	return normalized[i+1:]
}

// IsDomainPattern *@domain 形式
func IsDomainPattern(entry string) bool {
	return strings.HasPrefix(entry, "*@") && len(entry) > 2
}

// Filter 每个用户的屏蔽发件人
type Filter struct {
	store repository.BlocklistStore
}

func NewFilter(store repository.BlocklistStore) *Filter {
	return &Filter{store: store}
}

// IsBlocked 精确地址或 *@domain 命中即屏蔽
func (f *Filter) IsBlocked(ctx context.Context, userID, sender string) (bool, error) {
	addr := Normalize(sender)
	if addr == "" {
		return false, nil
	}
	candidates := []string{addr}
	if d := Domain(addr); d != "" {
		candidates = append(candidates, "*@"+d)
	}
	return f.store.Contains(ctx, userID, candidates...)
}

// IsDomainBlocked 只检查 *@domain
func (f *Filter) IsDomainBlocked(ctx context.Context, userID, sender string) (bool, error) {
	d := Domain(Normalize(sender))
	if d == "" {
		return false, nil
	}
	return f.store.Contains(ctx, userID, "*@"+d)
}

// Add 返回规范化后的条目
func (f *Filter) Add(ctx context.Context, userID, sender string) (string, error) {
	entry := Normalize(sender)
	if entry == "" || entry == "*@" {
		return "", apperr.NewValidation("blocklist.add", "sender is empty")
	}
	if err := f.store.Add(ctx, userID, entry); err != nil {
		return "", err
	}
	return entry, nil
}

func (f *Filter) Remove(ctx context.Context, userID, sender string) error {
	entry := Normalize(sender)
	if entry == "" {
		return apperr.NewValidation("blocklist.remove", "sender is empty")
	}
	return f.store.Remove(ctx, userID, entry)
}

func (f *Filter) List(ctx context.Context, userID string) ([]string, error) {
	return f.store.List(ctx, userID)
}
