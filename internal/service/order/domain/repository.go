// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Create 插入新订单，identifier 重复时返回 ErrOrderExists
	Create(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单聚合。
	FindByID(ctx context.Context, id string) (*Order, error)

	FindByIdentifier(ctx context.Context, identifier string) (*Order, error)

	// UpdateStatus 以 expectedVersion 为条件写入新状态和版本号，不匹配时返回 ErrVersionConflict
	UpdateStatus(ctx context.Context, order *Order, expectedVersion int64) error
}
