package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PayoutService credits game bets and pays winnings. Bets share the
// idempotency ledger with deals; payouts share the executor, and with it the
// agent account lock.
type PayoutService struct {
	ledger   *IdempotencyLedger
	executor Settler
	log      *zap.Logger
}

func NewPayoutService(ledger *IdempotencyLedger, executor Settler, log *zap.Logger) *PayoutService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PayoutService{ledger: ledger, executor: executor, log: log.Named("payout")}
}

// CreditBet consumes the bet's payment transaction. A payment already
// credited by any feature is rejected.
func (p *PayoutService) CreditBet(ctx context.Context, txRef, playerID string) error {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" || playerID == "" {
		return fmt.Errorf("%w: transaction reference and player required", ErrValidation)
	}
	ok, err := p.ledger.TryConsumeTx(p.ledger.repo.DB().WithContext(ctx), txRef, FeatureCasino, playerID)
	if err != nil {
		return fmt.Errorf("credit bet: %w", err)
	}
	if !ok {
		p.log.Error("bet payment replayed", zap.String("tx_ref", txRef), zap.String("player_id", playerID), zap.Bool("security", true))
		return fmt.Errorf("%w: %s", ErrReplayedTransaction, txRef)
	}
	p.log.Info("bet credited", zap.String("tx_ref", txRef), zap.String("player_id", playerID))
	return nil
}

// SendPayout pays amount native units to playerAddress with message as memo.
func (p *PayoutService) SendPayout(ctx context.Context, playerAddress string, amount float64, message string) (*TransferResult, error) {
	value, err := AmountFromFloat(amount)
	if err != nil {
		return nil, err
	}
	res, err := p.executor.Send(ctx, TransferRequest{
		Reference:   "payout_" + uuid.NewString(),
		Feature:     "payout",
		Destination: playerAddress,
		Amount:      value,
		Memo:        message,
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("payout sent",
		zap.String("player", playerAddress),
		zap.String("amount", value.String()),
		zap.String("trace_ref", res.TraceRef))
	return res, nil
}

// WinMessage is the memo attached to a payout for a win at multiplier.
func WinMessage(multiplier, amount float64) string {
	var prefix string
	switch {
	case multiplier >= 5:
		prefix = "777! "
	case multiplier >= 2.5:
		prefix = "Big win! "
	case multiplier >= 1.8:
		prefix = "Nice win! "
	case multiplier >= 1.2:
		prefix = "Small win! "
	}
	return fmt.Sprintf("%sYou won %.2f (%gx)", prefix, amount, multiplier)
}
