package infrastructure

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/pkg/database"
	"fulfillment/internal/service/order/domain"
)

// OrderModel 对应数据库中的 order_info 表
type OrderModel struct {
	ID         string `gorm:"type:varchar(32);primaryKey"`
	GoodsID    string `gorm:"type:varchar(64);index"`
	GoodsType  string `gorm:"type:varchar(32)"`
	BuyerID    string `gorm:"type:varchar(64);index"`
	ItemCount  int
	Status     string `gorm:"type:varchar(16)"`
	Identifier string `gorm:"type:varchar(128);uniqueIndex"`
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "order_info"
}

func (m *OrderModel) toDomain() *domain.Order {
	return &domain.Order{
		ID:         m.ID,
		GoodsID:    m.GoodsID,
		GoodsType:  m.GoodsType,
		BuyerID:    m.BuyerID,
		ItemCount:  m.ItemCount,
		Status:     domain.Status(m.Status),
		Identifier: m.Identifier,
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// MysqlRepository 是 OrderRepository 的 GORM 实现
type MysqlRepository struct {
	db *gorm.DB
}

func NewMysqlRepository(db *gorm.DB) *MysqlRepository {
	return &MysqlRepository{db: db}
}

func (r *MysqlRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&OrderModel{})
}

func (r *MysqlRepository) Create(ctx context.Context, order *domain.Order) error {
	model := &OrderModel{
		ID:         order.ID,
		GoodsID:    order.GoodsID,
		GoodsType:  order.GoodsType,
		BuyerID:    order.BuyerID,
		ItemCount:  order.ItemCount,
		Status:     string(order.Status),
		Identifier: order.Identifier,
		Version:    order.Version,
		CreatedAt:  order.CreatedAt,
		UpdatedAt:  order.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return domain.ErrOrderExists
		}
		return pkgerrors.Wrapf(err, "create order %s", order.ID)
	}
	return nil
}

func (r *MysqlRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *MysqlRepository) FindByIdentifier(ctx context.Context, identifier string) (*domain.Order, error) {
	return r.first(ctx, "identifier = ?", identifier)
}

func (r *MysqlRepository) first(ctx context.Context, query string, arg string) (*domain.Order, error) {
	var model OrderModel
	if err := r.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, pkgerrors.Wrapf(err, "find order by %s", arg)
	}
	return model.toDomain(), nil
}

// UpdateStatus 以版本号做条件更新
func (r *MysqlRepository) UpdateStatus(ctx context.Context, order *domain.Order, expectedVersion int64) error {
	res := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":     string(order.Status),
			"version":    order.Version,
			"updated_at": order.UpdatedAt,
		})
	if res.Error != nil {
		return pkgerrors.Wrapf(res.Error, "update order %s", order.ID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
