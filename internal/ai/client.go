package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"safereply/internal/apperr"
	"safereply/internal/config"
	"safereply/pkg/circuitbreaker"
	"safereply/pkg/metrics"
)

// Completer 一次 system + user 的补全调用
type Completer interface {
	Complete(ctx context.Context, op string, req Request) (string, error)
}

// Request 补全参数
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// AuthFailureFunc API key 失效时的回调（触发紧急告警）
type AuthFailureFunc func(ctx context.Context, err error)

// Client OpenAI 兼容接口，带重试与熔断
type Client struct {
	api         *openai.Client
	model       string
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	breaker     *circuitbreaker.CircuitBreaker
	onAuth      AuthFailureFunc
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error
}

// NewClient api_key 为空时返回的 Client 每次调用都报 ConfigurationError
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) *Client {
	c := &Client{
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		c.api = openai.NewClientWithConfig(oc)
	}

	bcfg := circuitbreaker.DefaultConfig()
	// 4xx 是请求本身的问题，不代表服务不可用
	bcfg.IsFailure = func(err error) bool {
		status := statusCode(err)
		return status == 0 || status == http.StatusTooManyRequests || status >= 500
	}
	c.breaker = circuitbreaker.New("openai", bcfg)
	return c
}

// OnAuthFailure 设置 401 回调
func (c *Client) OnAuthFailure(fn AuthFailureFunc) {
	c.onAuth = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryable 400/401/403 不重试
func retryable(err error) bool {
	switch statusCode(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Complete 失败时最多尝试 maxAttempts 次；429 按 retryDelay*attempt 退避
func (c *Client) Complete(ctx context.Context, op string, req Request) (string, error) {
	if c.api == nil {
		return "", apperr.NewConfiguration("ai."+op, "service unavailable: openai api key not configured")
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		text, err := c.once(ctx, req)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordAICallLatency(op, status, time.Since(start))

		if err == nil {
			return text, nil
		}
		lastErr = err

		c.logger.Warn("OpenAI call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Int("status_code", statusCode(err)),
			zap.Error(err),
		)

		if statusCode(err) == http.StatusUnauthorized && c.onAuth != nil {
			c.onAuth(ctx, err)
		}
		if errors.Is(err, circuitbreaker.ErrOpen) || !retryable(err) || attempt == c.maxAttempts {
			break
		}

		delay := c.retryDelay
		if statusCode(err) == http.StatusTooManyRequests {
			delay = c.retryDelay * time.Duration(attempt)
		}
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return "", apperr.NewExternal("ai."+op, lastErr)
}

func (c *Client) once(ctx context.Context, req Request) (string, error) {
	var text string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: req.System},
				{Role: openai.ChatMessageRoleUser, Content: req.User},
			},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no response choices")
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return fmt.Errorf("empty response")
		}
		return nil
	})
	return text, err
}
