package otel

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 512

// WithDBSpan 一次数据库操作一个 span，查无结果不记为错误
func WithDBSpan(ctx context.Context, system, operation, query string, fn func(context.Context) error) error {
	ctx, span := Tracer().Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemKey.String(system),
			semconv.DBOperationKey.String(operation),
			attribute.String("db.statement", compactStatement(query)),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// compactStatement 折叠空白，过长截断
func compactStatement(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > maxStatementLen {
		q = q[:maxStatementLen] + "..."
	}
	return q
}
