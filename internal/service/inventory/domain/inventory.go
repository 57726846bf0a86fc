// internal/service/inventory/domain/inventory.go
package domain

import "time"

// InventoryRecord 单个商品的库存账本
// Available 为可售数量，Reserved 为已预扣（Try 成功）但尚未确认的数量
type InventoryRecord struct {
	GoodsID   string
	GoodsType string
	Available int64
	Reserved  int64
	Version   int64
	UpdatedAt time.Time
}

// Reserve 预扣库存，库存不足时返回 false 且不做任何修改
func (r *InventoryRecord) Reserve(qty int64) bool {
	if qty <= 0 || r.Available < qty {
		return false
	}
	r.Available -= qty
	r.Reserved += qty
	r.touch()
	return true
}

// Commit 把预扣数量永久扣除
func (r *InventoryRecord) Commit(qty int64) error {
	if r.Reserved < qty {
		return ErrReservedUnderflow
	}
	r.Reserved -= qty
	r.touch()
	return nil
}

// Release 归还预扣数量
func (r *InventoryRecord) Release(qty int64) error {
	if r.Reserved < qty {
		return ErrReservedUnderflow
	}
	r.Reserved -= qty
	r.Available += qty
	r.touch()
	return nil
}

// Restock 补货
func (r *InventoryRecord) Restock(qty int64) {
	r.Available += qty
	r.touch()
}

func (r *InventoryRecord) touch() {
	r.Version++
	r.UpdatedAt = time.Now()
}

// Snapshot 库存明细
type Snapshot struct {
	GoodsID   string `json:"goodsId"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Version   int64  `json:"version"`
}

func (r *InventoryRecord) Snapshot() Snapshot {
	return Snapshot{GoodsID: r.GoodsID, Available: r.Available, Reserved: r.Reserved, Version: r.Version}
}
