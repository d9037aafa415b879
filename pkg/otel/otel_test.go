package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"safereply/pkg/config"
)

func TestCompactStatement(t *testing.T) {
	assert.Equal(t, "SELECT id FROM messages WHERE id = $1",
		compactStatement("SELECT id\n\t\tFROM messages\n\t\tWHERE id = $1"))

	long := compactStatement(strings.Repeat("x ", 400))
	assert.Len(t, long, maxStatementLen+3)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestWithDBSpan_PassesErrorThrough(t *testing.T) {
	boom := errors.New("boom")
	err := WithDBSpan(context.Background(), "sqlite", "get_message", "SELECT 1", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestMQHeaderCarrier(t *testing.T) {
	c := NewMQHeaderCarrier(nil)
	c.Set("traceparent", "00-abc-def-01")
	c["retries"] = 3

	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("retries"))
	assert.ElementsMatch(t, []string{"traceparent", "retries"}, c.Keys())

	var _ propagation.TextMapCarrier = c
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(config.OTelConfig{Enabled: false}, zap.NewNop())
	assert.NoError(t, err)
	shutdown()

	_, span := StartSpan(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}
