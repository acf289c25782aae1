// Package errors 提供帶堆疊的錯誤包裝、結束碼錯誤與多重錯誤彙整
package errors

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Errorf 建立帶堆疊資訊的錯誤
func Errorf(message string, args ...any) error {
	return goerrors.Wrap(fmt.Errorf(message, args...), 1)
}

// New 建立帶堆疊資訊的錯誤
func New(message string) error {
	return goerrors.Wrap(errors.New(message), 1)
}

// WithStackTrace 包上堆疊資訊；nil 回傳 nil
func WithStackTrace(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}

// WithStackTraceAndPrefix 包上堆疊資訊並加上前綴訊息
func WithStackTraceAndPrefix(err error, message string, args ...any) error {
	if err == nil {
		return nil
	}
	return goerrors.WrapPrefix(err, fmt.Sprintf(message, args...), 1)
}

// IsError 解開堆疊包裝後比較
func IsError(actual, expected error) bool {
	return goerrors.Is(actual, expected)
}

// ErrorStack 回傳錯誤訊息加上呼叫堆疊
func ErrorStack(err error) string {
	if err == nil {
		return ""
	}
	var goerr *goerrors.Error
	if errors.As(err, &goerr) {
		return goerr.ErrorStack()
	}
	return err.Error()
}

// ErrorWithExitCode 指定程式結束碼的錯誤
type ErrorWithExitCode struct {
	Err      error
	ExitCode int
}

func (e ErrorWithExitCode) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.ExitCode)
	}
	return e.Err.Error()
}

func (e ErrorWithExitCode) Unwrap() error { return e.Err }

// WithExitCode 將錯誤包成帶結束碼的錯誤
func WithExitCode(err error, code int) error {
	return ErrorWithExitCode{Err: err, ExitCode: code}
}

// ExitCode 取得錯誤對應的結束碼，nil 為 0，未指定為 fallback
func ExitCode(err error, fallback int) int {
	if err == nil {
		return 0
	}
	var withCode ErrorWithExitCode
	if errors.As(err, &withCode) {
		return withCode.ExitCode
	}
	return fallback
}

// Recover 從 panic 恢復，並以帶堆疊的錯誤呼叫 onPanic（只能在 defer 中使用）
func Recover(onPanic func(cause error)) {
	if rec := recover(); rec != nil {
		err, isError := rec.(error)
		if !isError {
			err = fmt.Errorf("%v", rec)
		}
		onPanic(WithStackTrace(err))
	}
}
