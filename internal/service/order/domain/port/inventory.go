package port

import (
	"context"
)

// InventoryLedger 是库存账本的出站端口，所有操作以 identifier 幂等。
type InventoryLedger interface {
	// TryDecrease 预扣库存，库存不足返回 false
	TryDecrease(ctx context.Context, goodsID, identifier string, qty int64) (bool, error)

	// ConfirmDecrease 确认预扣。
	ConfirmDecrease(ctx context.Context, goodsID, identifier string, qty int64) error

	// CancelDecrease 是 TryDecrease 的补偿操作，用于释放预扣的库存。
	CancelDecrease(ctx context.Context, goodsID, identifier string, qty int64) error

	QueryInventory(ctx context.Context, goodsID string) (int64, error)

	// Reservation 按 identifier 查找 Try 预扣记录，恢复扫描在订单缺失时用它找到要回滚的商品
	Reservation(ctx context.Context, identifier string) (goodsID string, qty int64, found bool, err error)
}
