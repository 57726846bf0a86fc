// internal/service/inventory/domain/repository.go
package domain

import "context"

// Repository 定义了库存账本的持久化接口，由基础设施层实现
type Repository interface {
	// Create 创建库存记录并写入初始流水，记录已存在时返回 ErrInventoryExists
	Create(ctx context.Context, record *InventoryRecord, entry *StreamEntry) error

	Get(ctx context.Context, goodsID string) (*InventoryRecord, error)

	// FindEntries 返回某个 identifier 的全部流水
	FindEntries(ctx context.Context, identifier string) (Entries, error)

	// ListEntries 按写入顺序返回某个商品的全部流水
	ListEntries(ctx context.Context, goodsID string) ([]*StreamEntry, error)

	// ApplyMutation 在同一个事务里按版本号更新记录并追加流水。
	// 版本不匹配返回 ErrVersionConflict，流水重复返回 ErrDuplicateEntry，两者都不会留下部分写入。
	ApplyMutation(ctx context.Context, record *InventoryRecord, expectedVersion int64, entry *StreamEntry) error
}
