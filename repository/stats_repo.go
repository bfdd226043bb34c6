package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deal_escrow/model"
)

type StatsRepository struct {
	db *gorm.DB
}

func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// ApplyTerminal folds a deal that just reached a terminal status into its
// user's stats. It must run in the transaction that wrote the deal.
func (r *StatsRepository) ApplyTerminal(tx *gorm.DB, deal *model.Deal, at time.Time) error {
	return r.update(tx, deal, at, func(s *model.UserTradeStats) { s.Apply(deal, at) })
}

// Reclassify moves a deal previously counted under from to its current
// terminal status, in the transaction that wrote the deal.
func (r *StatsRepository) Reclassify(tx *gorm.DB, deal *model.Deal, from model.DealStatus, at time.Time) error {
	return r.update(tx, deal, at, func(s *model.UserTradeStats) { s.Reclassify(deal, from, at) })
}

func (r *StatsRepository) update(tx *gorm.DB, deal *model.Deal, at time.Time, fn func(*model.UserTradeStats)) error {
	seed := model.UserTradeStats{UserID: deal.UserID, UserName: deal.UserName, FirstTradeAt: at}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil &&
		!errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	var stats model.UserTradeStats
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", deal.UserID).
		Take(&stats).Error; err != nil {
		return err
	}
	fn(&stats)
	return tx.Save(&stats).Error
}

func (r *StatsRepository) Get(ctx context.Context, userID int64) (*model.UserTradeStats, error) {
	var stats model.UserTradeStats
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
