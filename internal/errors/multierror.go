package errors

import (
	"github.com/hashicorp/go-multierror"
)

// MultiError 彙整多個錯誤（例如 job 收尾時的清理錯誤）
type MultiError struct {
	inner *multierror.Error
}

// Error 實作 error
func (errs *MultiError) Error() string {
	if errs == nil || errs.inner == nil {
		return ""
	}
	return errs.inner.Error()
}

// WrappedErrors 取得內含的錯誤
func (errs *MultiError) WrappedErrors() []error {
	if errs == nil || errs.inner == nil {
		return nil
	}
	return errs.inner.WrappedErrors()
}

func (errs *MultiError) Unwrap() []error {
	return errs.WrappedErrors()
}

// Append 加入錯誤（nil 會被忽略）
func (errs *MultiError) Append(appendErrs ...error) *MultiError {
	if errs == nil {
		errs = &MultiError{}
	}
	if errs.inner == nil {
		errs.inner = new(multierror.Error)
	}
	return &MultiError{inner: multierror.Append(errs.inner, appendErrs...)}
}

// Len 錯誤數量
func (errs *MultiError) Len() int {
	if errs == nil || errs.inner == nil {
		return 0
	}
	return errs.inner.Len()
}

// ErrorOrNil 無錯誤時回傳 nil
func (errs *MultiError) ErrorOrNil() error {
	if errs.Len() == 0 {
		return nil
	}
	return errs
}
