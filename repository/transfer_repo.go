package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deal_escrow/model"
)

// TransferRepository journals outbound transfers and the per-account
// sequence high-water mark.
type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// FindAcknowledged returns the acknowledged transfer for reference, or nil.
func (r *TransferRepository) FindAcknowledged(ctx context.Context, reference string) (*model.OutboundTransfer, error) {
	var t model.OutboundTransfer
	err := r.db.WithContext(ctx).
		Where("reference = ? AND status = ?", reference, model.TransferAcknowledged).
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LastSequence returns the highest acknowledged sequence for account.
func (r *TransferRepository) LastSequence(ctx context.Context, account string) (uint64, bool, error) {
	var seq model.AccountSequence
	err := r.db.WithContext(ctx).Where("account = ?", account).Take(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq.LastSequence, true, nil
}

// Record upserts the transfer by reference and, when acknowledged, raises the
// account's sequence high-water mark in the same transaction.
func (r *TransferRepository) Record(ctx context.Context, t *model.OutboundTransfer) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "reference"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"account", "destination", "amount", "memo", "sequence",
				"trace_ref", "hash", "status", "attempts", "last_error", "updated_at",
			}),
		}).Create(t).Error; err != nil {
			return err
		}
		if t.Status != model.TransferAcknowledged {
			return nil
		}

		seed := model.AccountSequence{Account: t.Account, LastSequence: t.Sequence}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		return tx.Model(&model.AccountSequence{}).
			Where("account = ? AND last_sequence < ?", t.Account, t.Sequence).
			Update("last_sequence", t.Sequence).Error
	})
}

func (r *TransferRepository) ListByFeature(ctx context.Context, feature string, page, size int) ([]*model.OutboundTransfer, int64, error) {
	var list []*model.OutboundTransfer
	var total int64
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}
	q := r.db.WithContext(ctx).Model(&model.OutboundTransfer{}).Where("feature = ?", feature)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("id desc").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}
