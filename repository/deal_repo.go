package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deal_escrow/model"
)

var ErrNotFound = errors.New("record not found")

// DealRepository is the Deal Store. Transition code passes its own
// transaction handle so read-check-write happens in one unit.
type DealRepository struct {
	db *gorm.DB
}

func NewDealRepository(db *gorm.DB) *DealRepository {
	return &DealRepository{db: db}
}

// DB exposes the handle transactions are started from.
func (r *DealRepository) DB() *gorm.DB {
	return r.db
}

func (r *DealRepository) Create(ctx context.Context, deal *model.Deal) error {
	if err := deal.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(deal).Error
}

func (r *DealRepository) Get(ctx context.Context, id string) (*model.Deal, error) {
	return r.get(r.db.WithContext(ctx), id)
}

// GetForUpdate loads a deal inside tx with a row lock held until commit.
func (r *DealRepository) GetForUpdate(tx *gorm.DB, id string) (*model.Deal, error) {
	return r.get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *DealRepository) get(db *gorm.DB, id string) (*model.Deal, error) {
	var deal model.Deal
	if err := db.Where("id = ?", id).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &deal, nil
}

// Save writes the full row after checking the status invariants.
func (r *DealRepository) Save(tx *gorm.DB, deal *model.Deal) error {
	if err := deal.Validate(); err != nil {
		return err
	}
	return tx.Save(deal).Error
}

// ListExpirable returns pre-payment deals whose window closed before now.
func (r *DealRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*model.Deal, error) {
	var list []*model.Deal
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", []model.DealStatus{model.DealProposed, model.DealAccepted}, now).
		Order("expires_at asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *DealRepository) ListByStatus(ctx context.Context, status model.DealStatus, limit int) ([]*model.Deal, error) {
	var list []*model.Deal
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// ListLiabilities returns failed deals holding a verified user payment and
// no settlement evidence.
func (r *DealRepository) ListLiabilities(ctx context.Context, limit int) ([]*model.Deal, error) {
	var list []*model.Deal
	err := r.db.WithContext(ctx).
		Where("status = ? AND user_payment_verified_at IS NOT NULL AND agent_sent_at IS NULL", model.DealFailed).
		Order("user_payment_verified_at asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *DealRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Deal, error) {
	var list []*model.Deal
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&list).Error
	return list, err
}
