package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"safereply/internal/apperr"
	"safereply/internal/config"
	"safereply/internal/model"
)

// Gmail 通过 REST 接口拉取和发送邮件，每个所有者一个刷新令牌
type Gmail struct {
	oauth    *oauth2.Config
	apiBase  string
	query    string
	lookback time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	tokens   map[string]string // channel id -> refresh token
	clients  map[string]*http.Client
	onExpiry TokenExpiredFunc
}

func NewGmail(cfg config.GmailConfig, owners []config.OwnerConfig, logger *zap.Logger) *Gmail {
	g := &Gmail{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: cfg.TokenURL,
			},
			Scopes: []string{"https://www.googleapis.com/auth/gmail.modify"},
		},
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		query:    cfg.Query,
		lookback: time.Duration(cfg.LookbackDays) * 24 * time.Hour,
		logger:   logger,
		now:      time.Now,
		tokens:   make(map[string]string),
		clients:  make(map[string]*http.Client),
	}
	if !cfg.Configured() {
		g.oauth = nil
	}
	for _, o := range owners {
		if o.GmailRefreshToken != "" && !o.Disabled {
			g.tokens[o.ID] = o.GmailRefreshToken
		}
	}
	return g
}

// OnTokenExpired 刷新令牌被吊销（invalid_grant）时回调
func (g *Gmail) OnTokenExpired(fn TokenExpiredFunc) {
	g.onExpiry = fn
}

func (g *Gmail) Type() model.SourceType { return model.SourceMail }

func (g *Gmail) Accepts(user *model.User) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tokens[user.ChannelID]
	return ok
}

func (g *Gmail) client(ctx context.Context, op string, user *model.User) (*http.Client, error) {
	if g.oauth == nil {
		return nil, apperr.NewConfiguration(op, "service unavailable: gmail oauth client not configured")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[user.ChannelID]; ok {
		return c, nil
	}
	rt, ok := g.tokens[user.ChannelID]
	if !ok {
		return nil, apperr.NewConfiguration(op, "service unavailable: no gmail account for user")
	}
	// token source 自行刷新 access token，不能绑定单次请求的 ctx
	ts := g.oauth.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: rt})
	c := oauth2.NewClient(context.WithoutCancel(ctx), ts)
	c.Timeout = 30 * time.Second
	g.clients[user.ChannelID] = c
	return c, nil
}

// invalidGrant 刷新令牌被吊销或过期
func invalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant" || strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}

func (g *Gmail) do(ctx context.Context, op string, user *model.User, method, path string, body interface{}, out interface{}) error {
	c, err := g.client(ctx, op, user)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		if invalidGrant(err) {
			g.mu.Lock()
			delete(g.clients, user.ChannelID)
			g.mu.Unlock()
			g.logger.Error("Gmail refresh token rejected",
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
			if g.onExpiry != nil {
				g.onExpiry(ctx, "gmail", err)
			}
		}
		return apperr.NewExternal(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperr.NewExternal(op, fmt.Errorf("gmail api status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.NewExternal(op, fmt.Errorf("failed to decode gmail response: %w", err))
	}
	return nil
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailPart struct {
	MimeType string        `json:"mimeType"`
	Filename string        `json:"filename"`
	Headers  []gmailHeader `json:"headers"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	Snippet      string    `json:"snippet"`
	InternalDate string    `json:"internalDate"`
	Payload      gmailPart `json:"payload"`
}

func (g *Gmail) Fetch(ctx context.Context, user *model.User, maxResults int) ([]Candidate, error) {
	const op = "gmail.fetch"

	q := g.query
	if g.lookback > 0 {
		q = fmt.Sprintf("after:%d %s", g.now().Add(-g.lookback).Unix(), q)
	}
	params := url.Values{}
	params.Set("q", strings.TrimSpace(q))
	params.Set("maxResults", strconv.Itoa(min(maxResults, 500)))

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := g.do(ctx, op, user, http.MethodGet, "/users/me/messages?"+params.Encode(), nil, &list); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(list.Messages))
	for _, ref := range list.Messages {
		var msg gmailMessage
		if err := g.do(ctx, op, user, http.MethodGet, "/users/me/messages/"+url.PathEscape(ref.ID)+"?format=full", nil, &msg); err != nil {
			// 单封失败不影响其余邮件
			g.logger.Warn("Failed to get gmail message",
				zap.String("user_id", user.ID),
				zap.String("gmail_id", ref.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, toCandidate(&msg))
	}

	// list 按新到旧返回，处理时按到达顺序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func toCandidate(msg *gmailMessage) Candidate {
	headers := make(map[string]string)
	for _, h := range msg.Payload.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}

	from := headers["from"]
	name := ""
	if addr, err := mail.ParseAddress(from); err == nil {
		name = addr.Name
	}

	received := time.Now()
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
		received = time.UnixMilli(ms)
	}

	body := extractText(&msg.Payload)
	if body == "" {
		body = msg.Snippet
	}

	c := Candidate{
		ID:         msg.ID,
		ThreadID:   msg.ThreadID,
		Sender:     from,
		SenderName: name,
		Subject:    headers["subject"],
		Body:       strings.TrimSpace(body),
		ReceivedAt: received,
		Metadata:   map[string]string{},
	}
	if id := headers["message-id"]; id != "" {
		c.Metadata["rfc822_message_id"] = id
	}
	return c
}

var (
	htmlTag   = regexp.MustCompile(`<[^>]*>`)
	htmlSpace = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">")
)

// extractText 优先 text/plain，没有时退回去掉标签的 text/html
func extractText(p *gmailPart) string {
	if len(p.Parts) == 0 {
		text := decodeBase64URL(p.Body.Data)
		if strings.HasPrefix(p.MimeType, "text/html") {
			return strings.TrimSpace(htmlSpace.Replace(htmlTag.ReplaceAllString(text, "")))
		}
		return text
	}

	var plain, html string
	for i := range p.Parts {
		sub := &p.Parts[i]
		switch {
		case sub.Filename != "":
			// 附件文本抽取不在这里做
		case strings.HasPrefix(sub.MimeType, "text/plain"):
			if plain == "" {
				plain = decodeBase64URL(sub.Body.Data)
			}
		case strings.HasPrefix(sub.MimeType, "text/html"):
			if html == "" {
				html = extractText(sub)
			}
		case strings.HasPrefix(sub.MimeType, "multipart/"):
			if t := extractText(sub); t != "" && plain == "" {
				plain = t
			}
		}
	}
	if plain != "" {
		return plain
	}
	return html
}

func decodeBase64URL(s string) string {
	if s == "" {
		return ""
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return ""
		}
	}
	return string(data)
}

// SendMail 以 RFC 822 原文发送，带 threadId 归入原线程
func (g *Gmail) SendMail(ctx context.Context, user *model.User, m OutgoingMail) error {
	raw := buildRFC822(user.Email, m)
	body := map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(raw)),
	}
	if m.ThreadID != "" {
		body["threadId"] = m.ThreadID
	}
	return g.do(ctx, "gmail.send", user, http.MethodPost, "/users/me/messages/send", body, nil)
}

func buildRFC822(from string, m OutgoingMail) string {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", m.Subject))
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", m.InReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(m.Body)))
	b.WriteString("\r\n")
	return b.String()
}

// Verify 轻量调用，保持刷新令牌活跃
func (g *Gmail) Verify(ctx context.Context, user *model.User) error {
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	return g.do(ctx, "gmail.verify", user, http.MethodGet, "/users/me/profile", nil, &profile)
}
