package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func mqSpan(ctx context.Context, name string, kind trace.SpanKind, destKind, dest, routingKey string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", dest),
			attribute.String("messaging.destination_kind", destKind),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
}

func MQPublishSpan(ctx context.Context, routingKey, exchange string) (context.Context, trace.Span) {
	return mqSpan(ctx, "mq.publish "+routingKey, trace.SpanKindProducer, "exchange", exchange, routingKey)
}

// MQConsumeSpan ctx 需已从消息头提取上游 trace context
func MQConsumeSpan(ctx context.Context, routingKey, queue string) (context.Context, trace.Span) {
	return mqSpan(ctx, "mq.consume "+routingKey, trace.SpanKindConsumer, "queue", queue, routingKey)
}

// MQHeaderCarrier amqp091.Table 的 TextMapCarrier 适配，非字符串值忽略
type MQHeaderCarrier map[string]interface{}

func NewMQHeaderCarrier(headers map[string]interface{}) MQHeaderCarrier {
	if headers == nil {
		headers = make(map[string]interface{})
	}
	return MQHeaderCarrier(headers)
}

func (c MQHeaderCarrier) Get(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
