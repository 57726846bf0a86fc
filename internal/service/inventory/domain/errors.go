// internal/service/inventory/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInventoryNotFound = errors.New("inventory not found")
	ErrInventoryExists   = errors.New("inventory already exists")
	// ErrVersionConflict 乐观锁版本不匹配
	ErrVersionConflict = errors.New("inventory version conflict")
	// ErrDuplicateEntry 同一个 (identifier, eventType) 的流水已存在
	ErrDuplicateEntry    = errors.New("duplicate inventory stream entry")
	ErrReservedUnderflow = errors.New("reserved quantity underflow")
	ErrInvalidQuantity   = errors.New("quantity must be positive")

	// ErrInvalidPhaseTransition Confirm/Cancel 缺少匹配的 Try，或与已有终态冲突
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")

	ErrTryNotFound      = fmt.Errorf("%w: no try entry", ErrInvalidPhaseTransition)
	ErrAlreadyConfirmed = fmt.Errorf("%w: already confirmed", ErrInvalidPhaseTransition)
	ErrAlreadyCanceled  = fmt.Errorf("%w: already canceled", ErrInvalidPhaseTransition)
	ErrQuantityMismatch = fmt.Errorf("%w: quantity mismatch", ErrInvalidPhaseTransition)
)
