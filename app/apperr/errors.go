package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindValidation  Kind = "validation"   // 提交参数错误，调度前拒绝
	KindExternal    Kind = "external"     // 抽帧/转录/模型等外部服务失败
	KindTransientIO Kind = "transient_io" // 存储或文件系统失败
	KindConflict    Kind = "conflict"     // 去重竞争，事后检测
)

// Error 带分类的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	// 外部服务错误原样返回协作方的消息
	if e.Kind == KindExternal || e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation 创建参数校验错误
func Validation(op string, format string, args ...any) error {
	return newError(KindValidation, op, fmt.Errorf(format, args...))
}

// External 包装外部服务错误
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(KindExternal, op, err)
}

// TransientIO 包装存储/文件系统错误
func TransientIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(KindTransientIO, op, err)
}

// Conflict 创建去重冲突错误
func Conflict(op string, err error) error {
	return newError(KindConflict, op, err)
}

// KindOf 返回错误链中第一个分类，未分类时返回空字符串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is 判断错误是否属于指定分类
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
