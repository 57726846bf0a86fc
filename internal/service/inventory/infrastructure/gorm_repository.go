package infrastructure

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/pkg/database"
	"fulfillment/internal/service/inventory/domain"
)

// GormRepository 是库存账本的 GORM 实现
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// AutoMigrate 建表
func (r *GormRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&InventoryModel{}, &StreamModel{})
}

func (r *GormRepository) Create(ctx context.Context, record *domain.InventoryRecord, entry *domain.StreamEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := &InventoryModel{
			GoodsID:   record.GoodsID,
			GoodsType: record.GoodsType,
			Available: record.Available,
			Reserved:  record.Reserved,
			Version:   record.Version,
		}
		if err := tx.Create(model).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return domain.ErrInventoryExists
			}
			return pkgerrors.Wrapf(err, "create inventory %s", record.GoodsID)
		}
		if err := tx.Create(fromDomainEntry(entry)).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return domain.ErrDuplicateEntry
			}
			return pkgerrors.Wrapf(err, "insert stream %s/%s", entry.Identifier, entry.EventType)
		}
		return nil
	})
}

func (r *GormRepository) Get(ctx context.Context, goodsID string) (*domain.InventoryRecord, error) {
	var model InventoryModel
	err := r.db.WithContext(ctx).Where("goods_id = ?", goodsID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInventoryNotFound
		}
		return nil, pkgerrors.Wrapf(err, "get inventory %s", goodsID)
	}
	return toDomainRecord(&model), nil
}

func (r *GormRepository) FindEntries(ctx context.Context, identifier string) (domain.Entries, error) {
	var models []StreamModel
	if err := r.db.WithContext(ctx).Where("identifier = ?", identifier).Order("id").Find(&models).Error; err != nil {
		return nil, pkgerrors.Wrapf(err, "find stream entries %s", identifier)
	}
	entries := make(domain.Entries, 0, len(models))
	for i := range models {
		entries = append(entries, toDomainEntry(&models[i]))
	}
	return entries, nil
}

func (r *GormRepository) ListEntries(ctx context.Context, goodsID string) ([]*domain.StreamEntry, error) {
	var models []StreamModel
	if err := r.db.WithContext(ctx).Where("goods_id = ?", goodsID).Order("id").Find(&models).Error; err != nil {
		return nil, pkgerrors.Wrapf(err, "list stream entries %s", goodsID)
	}
	entries := make([]*domain.StreamEntry, 0, len(models))
	for i := range models {
		entries = append(entries, toDomainEntry(&models[i]))
	}
	return entries, nil
}

// ApplyMutation 条件更新 + 插入流水在同一个事务中完成
func (r *GormRepository) ApplyMutation(ctx context.Context, record *domain.InventoryRecord, expectedVersion int64, entry *domain.StreamEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&InventoryModel{}).
			Where("goods_id = ? AND version = ?", record.GoodsID, expectedVersion).
			Updates(map[string]interface{}{
				"available": record.Available,
				"reserved":  record.Reserved,
				"version":   record.Version,
			})
		if res.Error != nil {
			return pkgerrors.Wrapf(res.Error, "update inventory %s", record.GoodsID)
		}
		if res.RowsAffected == 0 {
			return domain.ErrVersionConflict
		}
		if err := tx.Create(fromDomainEntry(entry)).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return domain.ErrDuplicateEntry
			}
			return pkgerrors.Wrapf(err, "insert stream %s/%s", entry.Identifier, entry.EventType)
		}
		return nil
	})
}
