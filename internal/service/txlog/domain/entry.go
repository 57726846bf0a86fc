// internal/service/txlog/domain/entry.go
package domain

import (
	"context"
	"errors"
	"time"
)

// Phase TCC 阶段
type Phase string

const (
	PhaseTry     Phase = "TRY"
	PhaseConfirm Phase = "CONFIRM"
	PhaseCancel  Phase = "CANCEL"
)

// CancelType 记录进入 CANCEL 的原因
type CancelType string

const (
	CancelNone      CancelType = ""
	CancelUser      CancelType = "USER"
	CancelTimeout   CancelType = "TIMEOUT"
	CancelPayFailed CancelType = "PAY_FAILED"
	CancelRecovery  CancelType = "RECOVERY"
	CancelTryFailed CancelType = "TRY_FAILED"
)

var (
	ErrEntryNotFound = errors.New("transaction log entry not found")
	// ErrAlreadyFinalized 事务已进入另一个终态
	ErrAlreadyFinalized = errors.New("transaction already finalized")
	ErrInvalidPhase     = errors.New("invalid finalize phase")
)

// TxKey 事务日志的复合主键，三列分别建索引
type TxKey struct {
	TransactionID  string
	BusinessScene  string
	BusinessModule string
}

// Entry 一条 TCC 事务日志
type Entry struct {
	ID         int64
	Key        TxKey
	Phase      Phase
	CancelType CancelType
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InDoubt TRY 之后还没有 CONFIRM / CANCEL
func (e *Entry) InDoubt() bool {
	return e.Phase == PhaseTry
}

// Store 事务日志存储
type Store interface {
	// Append 写入 TRY 记录，已存在时返回已有记录且 created 为 false
	Append(ctx context.Context, key TxKey) (entry *Entry, created bool, err error)

	Get(ctx context.Context, key TxKey) (*Entry, error)

	// Finalize 只在记录仍处于 TRY 时把它推进到 phase。
	// 已经是同一终态时直接返回，处于另一终态时返回 ErrAlreadyFinalized。
	Finalize(ctx context.Context, key TxKey, phase Phase, cancelType CancelType) (*Entry, error)

	// FindInDoubt 按 id 升序返回 id 大于 afterID、创建时间早于 olderThan 的 TRY 记录
	FindInDoubt(ctx context.Context, scene, module string, olderThan time.Time, afterID int64, limit int) ([]*Entry, error)
}

// CheckFinal 校验 Finalize 的目标阶段
func CheckFinal(phase Phase, cancelType CancelType) error {
	switch phase {
	case PhaseConfirm:
		if cancelType != CancelNone {
			return ErrInvalidPhase
		}
	case PhaseCancel:
		if cancelType == CancelNone {
			return ErrInvalidPhase
		}
	default:
		return ErrInvalidPhase
	}
	return nil
}

// Resolve 对已读出的记录做 Finalize 的判定，返回 true 表示需要写入
func Resolve(e *Entry, phase Phase) (bool, error) {
	switch e.Phase {
	case PhaseTry:
		return true, nil
	case phase:
		return false, nil
	default:
		return false, ErrAlreadyFinalized
	}
}
