package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deal_escrow/model"
)

// UsedTransactionRepository backs the idempotency ledger shared by every
// feature that credits on-chain payments.
type UsedTransactionRepository struct {
	db *gorm.DB
}

func NewUsedTransactionRepository(db *gorm.DB) *UsedTransactionRepository {
	return &UsedTransactionRepository{db: db}
}

func (r *UsedTransactionRepository) DB() *gorm.DB {
	return r.db
}

// Insert adds the row unless tx_ref is already present. The primary key
// settles concurrent inserts: the loser sees inserted=false, not an error.
func (r *UsedTransactionRepository) Insert(tx *gorm.DB, row *model.UsedTransaction) (bool, error) {
	if row.UsedAt.IsZero() {
		row.UsedAt = time.Now().UTC()
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Find returns the row for txRef, or nil when the payment was never credited.
func (r *UsedTransactionRepository) Find(tx *gorm.DB, txRef string) (*model.UsedTransaction, error) {
	var row model.UsedTransaction
	err := tx.Where("tx_ref = ?", txRef).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindByReference returns the row a feature recorded for reference, or nil.
func (r *UsedTransactionRepository) FindByReference(tx *gorm.DB, feature, reference string) (*model.UsedTransaction, error) {
	var row model.UsedTransaction
	err := tx.Where("feature = ? AND reference = ?", feature, reference).Order("used_at asc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *UsedTransactionRepository) ListByFeature(ctx context.Context, feature string, limit int) ([]*model.UsedTransaction, error) {
	var list []*model.UsedTransaction
	err := r.db.WithContext(ctx).
		Where("feature = ?", feature).
		Order("used_at desc").
		Limit(limit).
		Find(&list).Error
	return list, err
}
