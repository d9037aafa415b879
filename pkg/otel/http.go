package otel

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
)

// 探针和抓取请求不建 span
var untracedPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// InitHTTPMetrics 未调用时中间件只记 span
func InitHTTPMetrics(meter metric.Meter) error {
	var err error
	httpDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP server request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}
	httpRequests, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("HTTP server requests by route and status"),
	)
	return err
}

// GinMiddleware 提取上游 trace context，按路由模板命名 span
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if untracedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		propagator := GetTextMapPropagator()
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := Tracer().Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		// 响应头要在 handler 写出前设置
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		start := time.Now()
		c.Next()
		status := c.Writer.Status()

		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		// 4xx 是调用方的问题
		if status >= 500 {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}

		attrs := metric.WithAttributes(
			semconv.HTTPMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPStatusCodeKey.Int(status),
		)
		if httpDuration != nil {
			httpDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
		if httpRequests != nil {
			httpRequests.Add(ctx, 1, attrs)
		}
	}
}
