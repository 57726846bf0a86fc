package infrastructure

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/pkg/database"
	"fulfillment/internal/service/txlog/domain"
)

// TransactionLogModel 对应 tcc_transaction_log 表
type TransactionLogModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	TransactionID  string `gorm:"type:varchar(128);uniqueIndex:idx_tx_key,priority:1"`
	BusinessScene  string `gorm:"type:varchar(32);uniqueIndex:idx_tx_key,priority:2;index:idx_scan,priority:1"`
	BusinessModule string `gorm:"type:varchar(32);uniqueIndex:idx_tx_key,priority:3;index:idx_scan,priority:2"`
	Phase          string `gorm:"type:varchar(16);index:idx_scan,priority:3"`
	CancelType     string `gorm:"type:varchar(16)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (TransactionLogModel) TableName() string {
	return "tcc_transaction_log"
}

func (m *TransactionLogModel) toDomain() *domain.Entry {
	return &domain.Entry{
		ID:         m.ID,
		Key:        domain.TxKey{TransactionID: m.TransactionID, BusinessScene: m.BusinessScene, BusinessModule: m.BusinessModule},
		Phase:      domain.Phase(m.Phase),
		CancelType: domain.CancelType(m.CancelType),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// GormStore 是事务日志的 GORM 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&TransactionLogModel{})
}

func whereKey(db *gorm.DB, key domain.TxKey) *gorm.DB {
	return db.Where("transaction_id = ? AND business_scene = ? AND business_module = ?",
		key.TransactionID, key.BusinessScene, key.BusinessModule)
}

func (s *GormStore) Append(ctx context.Context, key domain.TxKey) (*domain.Entry, bool, error) {
	model := &TransactionLogModel{
		TransactionID:  key.TransactionID,
		BusinessScene:  key.BusinessScene,
		BusinessModule: key.BusinessModule,
		Phase:          string(domain.PhaseTry),
	}
	err := s.db.WithContext(ctx).Create(model).Error
	if err == nil {
		return model.toDomain(), true, nil
	}
	if !database.IsDuplicateKey(err) {
		return nil, false, pkgerrors.Wrapf(err, "append tx log %s", key.TransactionID)
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *GormStore) Get(ctx context.Context, key domain.TxKey) (*domain.Entry, error) {
	var model TransactionLogModel
	if err := whereKey(s.db.WithContext(ctx), key).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, pkgerrors.Wrapf(err, "get tx log %s", key.TransactionID)
	}
	return model.toDomain(), nil
}

func (s *GormStore) Finalize(ctx context.Context, key domain.TxKey, phase domain.Phase, cancelType domain.CancelType) (*domain.Entry, error) {
	if err := domain.CheckFinal(phase, cancelType); err != nil {
		return nil, err
	}
	res := whereKey(s.db.WithContext(ctx).Model(&TransactionLogModel{}), key).
		Where("phase = ?", string(domain.PhaseTry)).
		Updates(map[string]interface{}{
			"phase":       string(phase),
			"cancel_type": string(cancelType),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return nil, pkgerrors.Wrapf(res.Error, "finalize tx log %s", key.TransactionID)
	}
	entry, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		// 没有更新到：要么已是同一终态，要么被别人推进到了另一终态
		if _, err := domain.Resolve(entry, phase); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

func (s *GormStore) FindInDoubt(ctx context.Context, scene, module string, olderThan time.Time, afterID int64, limit int) ([]*domain.Entry, error) {
	var models []TransactionLogModel
	err := s.db.WithContext(ctx).
		Where("business_scene = ? AND business_module = ? AND phase = ? AND created_at < ? AND id > ?", scene, module, string(domain.PhaseTry), olderThan, afterID).
		Order("id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find in-doubt tx logs")
	}
	entries := make([]*domain.Entry, 0, len(models))
	for i := range models {
		entries = append(entries, models[i].toDomain())
	}
	return entries, nil
}
