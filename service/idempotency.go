package service

import (
	"context"

	"gorm.io/gorm"

	"github.com/deal_escrow/model"
	"github.com/deal_escrow/repository"
)

const (
	FeatureDeals  = "deals"
	FeatureCasino = "casino"
)

// IdempotencyLedger records which on-chain payments have been credited. A
// txRef is accepted exactly once across every feature.
type IdempotencyLedger struct {
	repo *repository.UsedTransactionRepository
}

func NewIdempotencyLedger(repo *repository.UsedTransactionRepository) *IdempotencyLedger {
	return &IdempotencyLedger{repo: repo}
}

// TryConsume reports true only for the first caller presenting txRef.
func (l *IdempotencyLedger) TryConsume(ctx context.Context, txRef, feature string) (bool, error) {
	return l.TryConsumeTx(l.repo.DB().WithContext(ctx), txRef, feature, "")
}

// TryConsumeTx is TryConsume inside the caller's transaction, so the insert
// commits or rolls back with the state change it guards.
func (l *IdempotencyLedger) TryConsumeTx(tx *gorm.DB, txRef, feature, reference string) (bool, error) {
	if txRef == "" {
		return false, ErrValidation
	}
	return l.repo.Insert(tx, &model.UsedTransaction{
		TxRef:     txRef,
		Feature:   feature,
		Reference: reference,
	})
}

// Lookup returns the row for txRef, or nil.
func (l *IdempotencyLedger) Lookup(tx *gorm.DB, txRef string) (*model.UsedTransaction, error) {
	return l.repo.Find(tx, txRef)
}

// LookupReference returns the row feature recorded for reference, or nil.
func (l *IdempotencyLedger) LookupReference(tx *gorm.DB, feature, reference string) (*model.UsedTransaction, error) {
	return l.repo.FindByReference(tx, feature, reference)
}
