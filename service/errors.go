package service

import (
	"errors"
	"fmt"

	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/model"
)

var (
	ErrDealNotFound        = errors.New("deal not found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrExpired             = errors.New("deal expired")
	ErrReplayedTransaction = errors.New("transaction already used")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrOperationFailed     = errors.New("operation failed")
	ErrSequenceLag         = errors.New("ledger node sequence behind last acknowledged transfer")

	// Shared with the ledger adapters so callers need only this package.
	ErrInvalidAddress       = ledger.ErrInvalidAddress
	ErrWalletNotInitialized = ledger.ErrWalletNotInitialized
)

// TransitionError reports a deal that is not in a state the operation can
// leave from.
type TransitionError struct {
	DealID string
	From   model.DealStatus
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deal %s: cannot %s from %s", e.DealID, e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func invalidTransition(deal *model.Deal, op string) error {
	return &TransitionError{DealID: deal.ID, From: deal.Status, Op: op}
}

// OperationFailedError is returned after the executor gives up on a transfer.
type OperationFailedError struct {
	Attempts int
	Err      error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

func (e *OperationFailedError) Is(target error) bool { return target == ErrOperationFailed }
