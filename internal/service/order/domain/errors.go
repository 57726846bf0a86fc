// internal/service/order/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("order validation failed")
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExists       = errors.New("order already exists")
	ErrVersionConflict   = errors.New("order version conflict")
	// ErrTransactionFinalized identifier 对应的事务已经取消，不能再创建或支付
	ErrTransactionFinalized = errors.New("transaction already finalized")
)

// ValidationError 校验链中某一环失败
type ValidationError struct {
	Validator string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validator: %s", e.Validator, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError 构造校验错误
func NewValidationError(validator, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Validator: validator, Reason: fmt.Sprintf(format, args...)}
}

// IllegalTransitionError 状态机中不存在的流转
type IllegalTransitionError struct {
	From  Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s", e.Event, e.From)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }
