package infrastructure

import (
	"time"

	"fulfillment/internal/service/inventory/domain"
)

// InventoryModel 对应数据库中的 inventory_record 表
type InventoryModel struct {
	ID        uint   `gorm:"primaryKey"`
	GoodsID   string `gorm:"type:varchar(64);uniqueIndex"`
	GoodsType string `gorm:"type:varchar(32)"`
	Available int64
	Reserved  int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (InventoryModel) TableName() string {
	return "inventory_record"
}

// StreamModel 对应 inventory_stream 表，只插入不更新
type StreamModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Identifier string `gorm:"type:varchar(128);uniqueIndex:idx_identifier_event,priority:1"`
	EventType  string `gorm:"type:varchar(16);uniqueIndex:idx_identifier_event,priority:2"`
	GoodsID    string `gorm:"type:varchar(64);index"`
	Quantity   int64
	CreatedAt  time.Time
}

func (StreamModel) TableName() string {
	return "inventory_stream"
}

func toDomainRecord(m *InventoryModel) *domain.InventoryRecord {
	return &domain.InventoryRecord{
		GoodsID:   m.GoodsID,
		GoodsType: m.GoodsType,
		Available: m.Available,
		Reserved:  m.Reserved,
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt,
	}
}

func toDomainEntry(m *StreamModel) *domain.StreamEntry {
	return &domain.StreamEntry{
		ID:         m.ID,
		Identifier: m.Identifier,
		GoodsID:    m.GoodsID,
		EventType:  domain.EventType(m.EventType),
		Quantity:   m.Quantity,
		CreatedAt:  m.CreatedAt,
	}
}

func fromDomainEntry(e *domain.StreamEntry) *StreamModel {
	return &StreamModel{
		Identifier: e.Identifier,
		GoodsID:    e.GoodsID,
		EventType:  string(e.EventType),
		Quantity:   e.Quantity,
		CreatedAt:  e.CreatedAt,
	}
}
