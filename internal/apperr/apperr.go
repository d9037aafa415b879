package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	// 缺少凭据或配置，对外表现为 "service unavailable"
	KindConfiguration
	KindNotFound
	// 分类器 / 草稿生成 / 发送连接器失败
	KindExternalService
	// 重复插入，调用方视为跳过
	KindConflict
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindExternalService:
		return "external_service"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// Error 携带分类、操作名和对用户可见的简短说明
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 同 Kind 的 *Error 视为相等，便于 errors.Is(err, apperr.NotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// 哨兵值，只用于 errors.Is 比较
var (
	Configuration   = &Error{Kind: KindConfiguration}
	NotFound        = &Error{Kind: KindNotFound}
	ExternalService = &Error{Kind: KindExternalService}
	Conflict        = &Error{Kind: KindConflict}
	Validation      = &Error{Kind: KindValidation}
)

func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func NewConfiguration(op, msg string) *Error {
	return E(KindConfiguration, op, msg, nil)
}

func NewNotFound(op, msg string) *Error {
	return E(KindNotFound, op, msg, nil)
}

func NewExternal(op string, err error) *Error {
	return E(KindExternalService, op, "", err)
}

func NewConflict(op string, err error) *Error {
	return E(KindConflict, op, "", err)
}

func NewValidation(op, msg string) *Error {
	return E(KindValidation, op, msg, nil)
}

// KindOf 返回错误链上第一个 *Error 的分类
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
