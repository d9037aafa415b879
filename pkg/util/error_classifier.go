package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"safereply/pkg/circuitbreaker"
)

// UniqueViolation PostgreSQL unique_violation SQLSTATE
const UniqueViolation = "23505"

// IsUniqueViolation 判断是否为唯一约束冲突（PostgreSQL / SQLite）
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsRetryableError 判断错误是否值得重试
// 返回 (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON 解析错误：数据本身有问题，不重试
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}
	if IsUniqueViolation(err) {
		// 幂等：已存在即成功
		return false, "duplicate_key"
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return true, "circuit_open"
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx connection exception, 57P01 admin shutdown
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" {
			return true, "db_connection_error"
		}
		return false, "db_error"
	}
	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	return false, "unknown_error"
}

// ShouldRetry 根据重试次数判断是否继续重试
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
