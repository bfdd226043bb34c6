package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/lock"
	"github.com/deal_escrow/model"
	"github.com/deal_escrow/notify"
	"github.com/deal_escrow/repository"
)

const (
	dealIDAttempts    = 5
	recoverBatchSize  = 500
	defaultListLimit  = 100
	settlementMemoFmt = "Deal #%s"
)

// Settler moves the agent's native leg. *SettlementExecutor implements it.
type Settler interface {
	Send(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// GiftTransfer asks the collectible transport to hand a gift to the user.
type GiftTransfer struct {
	DealID   string
	UserID   int64
	ChatID   string
	GiftID   string
	GiftSlug string
}

// GiftSender delivers a collectible and returns the transport's message id.
type GiftSender interface {
	SendGift(ctx context.Context, g GiftTransfer) (messageID string, err error)
}

type ProposeRequest struct {
	UserID            int64     `json:"userId"`
	UserName          string    `json:"userName"`
	ChatID            string    `json:"chatId"`
	ProposalMessageID *int64    `json:"proposalMessageId"`
	InlineMessageID   *string   `json:"inlineMessageId"`
	UserGives         model.Leg `json:"userGives"`
	AgentGives        model.Leg `json:"agentGives"`
	StrategyCheck     string    `json:"strategyCheck"`
}

// AddressParser validates a payout destination and returns its canonical
// form. ledger.Client and *SettlementExecutor implement it.
type AddressParser interface {
	ParseAddress(s string) (ledger.Address, error)
}

// PaymentClaim is the user's assertion that their leg was sent. WalletAddress
// is where a native agent leg will be paid.
type PaymentClaim struct {
	TxRef         string `json:"txRef"`
	WalletAddress string `json:"walletAddress"`
	GiftMessageID string `json:"giftMessageId"`
}

// DealDeps are the collaborators of a DealService. Gifts, Alerter, Locker and
// Log may be nil. Addresses defaults to the Settler when it can parse.
type DealDeps struct {
	Deals     *repository.DealRepository
	Stats     *repository.StatsRepository
	Ledger    *IdempotencyLedger
	Settler   Settler
	Addresses AddressParser
	Gifts     GiftSender
	Alerter   notify.Alerter
	Locker    lock.Locker
	Log       *zap.Logger
	// ExpiryWindow is how long a proposal stays open.
	ExpiryWindow time.Duration
}

// DealService owns every deal status transition. Each transition reads,
// checks and writes the row in one transaction with the row locked.
type DealService struct {
	deals   *repository.DealRepository
	stats   *repository.StatsRepository
	ledger  *IdempotencyLedger
	settler Settler
	parser  AddressParser
	gifts   GiftSender
	alerter notify.Alerter
	locker  lock.Locker
	log     *zap.Logger
	window  time.Duration
	now     func() time.Time
}

func NewDealService(d DealDeps) *DealService {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Alerter == nil {
		d.Alerter = notify.NewLogAlerter(d.Log)
	}
	if d.Locker == nil {
		d.Locker = lock.NewKeyedMutex()
	}
	if d.ExpiryWindow <= 0 {
		d.ExpiryWindow = 2 * time.Minute
	}
	if d.Addresses == nil {
		d.Addresses, _ = d.Settler.(AddressParser)
	}
	return &DealService{
		deals:   d.Deals,
		stats:   d.Stats,
		ledger:  d.Ledger,
		settler: d.Settler,
		parser:  d.Addresses,
		gifts:   d.Gifts,
		alerter: d.Alerter,
		locker:  d.Locker,
		log:     d.Log.Named("deals"),
		window:  d.ExpiryWindow,
		now:     time.Now,
	}
}

func newDealID() string {
	return "deal_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func (s *DealService) Propose(ctx context.Context, req ProposeRequest) (*model.Deal, error) {
	if req.UserID == 0 || strings.TrimSpace(req.ChatID) == "" {
		return nil, fmt.Errorf("%w: user and chat are required", ErrValidation)
	}
	now := s.now().UTC()
	deal := &model.Deal{
		Status:            model.DealProposed,
		UserID:            req.UserID,
		UserName:          req.UserName,
		ChatID:            req.ChatID,
		ProposalMessageID: req.ProposalMessageID,
		InlineMessageID:   req.InlineMessageID,
		UserGives:         req.UserGives,
		AgentGives:        req.AgentGives,
		StrategyCheck:     req.StrategyCheck,
		Profit:            req.UserGives.Value.Sub(req.AgentGives.Value),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.window),
	}
	if err := deal.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var err error
	for i := 0; i < dealIDAttempts; i++ {
		deal.ID = newDealID()
		if err = s.deals.Create(ctx, deal); !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}

	s.log.Info("deal proposed",
		zap.String("deal_id", deal.ID),
		zap.Int64("user_id", deal.UserID),
		zap.String("profit", deal.Profit.String()),
		zap.Time("expires_at", deal.ExpiresAt))
	return deal, nil
}

func (s *DealService) Get(ctx context.Context, id string) (*model.Deal, error) {
	deal, err := s.deals.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDealNotFound, id)
	}
	return deal, err
}

// Accept moves proposed to accepted. A deal past its window is expired
// instead and ErrExpired returned alongside it.
func (s *DealService) Accept(ctx context.Context, id string) (*model.Deal, error) {
	var outcome error
	deal, err := s.transition(ctx, id, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
		if d.Status != model.DealProposed {
			return invalidTransition(d, "accept")
		}
		if d.Expired(now) {
			outcome = ErrExpired
			return s.finish(tx, d, model.DealExpired, now)
		}
		d.Status = model.DealAccepted
		return s.deals.Save(tx, d)
	})
	if err != nil {
		return nil, err
	}
	return deal, outcome
}

func (s *DealService) ClaimPayment(ctx context.Context, id string, claim PaymentClaim) (*model.Deal, error) {
	claim.TxRef = strings.TrimSpace(claim.TxRef)
	claim.WalletAddress = strings.TrimSpace(claim.WalletAddress)
	claim.GiftMessageID = strings.TrimSpace(claim.GiftMessageID)

	var outcome error
	deal, err := s.transition(ctx, id, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
		if d.Status != model.DealAccepted {
			return invalidTransition(d, "claim payment")
		}
		if d.Expired(now) {
			outcome = ErrExpired
			return s.finish(tx, d, model.DealExpired, now)
		}
		if err := checkClaim(d, claim); err != nil {
			return err
		}
		if d.AgentGives.Type == model.LegNative && s.parser != nil {
			addr, err := s.parser.ParseAddress(claim.WalletAddress)
			if err != nil {
				return fmt.Errorf("payout wallet %q: %w", claim.WalletAddress, err)
			}
			claim.WalletAddress = addr.String()
		}

		d.Status = model.DealPaymentClaimed
		d.PaymentClaimedAt = &now
		d.UserPaymentTxHash = optional(claim.TxRef)
		d.UserPaymentWallet = optional(claim.WalletAddress)
		d.UserPaymentGiftMsgID = optional(claim.GiftMessageID)
		return s.deals.Save(tx, d)
	})
	if err != nil {
		return nil, err
	}
	return deal, outcome
}

func checkClaim(d *model.Deal, c PaymentClaim) error {
	switch {
	case d.UserGives.Type == model.LegNative && c.TxRef == "":
		return fmt.Errorf("%w: payment transaction reference required", ErrValidation)
	case d.UserGives.Type == model.LegGift && c.GiftMessageID == "" && c.TxRef == "":
		return fmt.Errorf("%w: gift message id required", ErrValidation)
	case d.AgentGives.Type == model.LegNative && c.WalletAddress == "":
		return fmt.Errorf("%w: wallet address required for payout", ErrValidation)
	}
	return nil
}

// VerifyPayment records the verifier's confirmation that txRef carried the
// user's payment. A txRef already credited anywhere fails the deal with
// ErrReplayedTransaction, except when the row is this deal's own and the
// deal is still awaiting verification.
func (s *DealService) VerifyPayment(ctx context.Context, id, txRef string) (*model.Deal, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return nil, fmt.Errorf("%w: transaction reference required", ErrValidation)
	}

	var (
		outcome error
		replay  *model.UsedTransaction
	)
	deal, err := s.transition(ctx, id, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
		if d.Status.IsTerminal() {
			return invalidTransition(d, "verify payment")
		}

		used, err := s.ledger.Lookup(tx, txRef)
		if err != nil {
			return fmt.Errorf("idempotency lookup: %w", err)
		}
		if used != nil {
			if used.Feature == FeatureDeals && used.Reference == d.ID && d.Status == model.DealPaymentClaimed {
				return s.markVerified(tx, d, txRef, now)
			}
			outcome, replay = ErrReplayedTransaction, used
			return s.fail(tx, d, now, fmt.Sprintf("payment %s replayed (credited to %s %s)", txRef, used.Feature, used.Reference))
		}

		if d.Status != model.DealPaymentClaimed {
			return invalidTransition(d, "verify payment")
		}
		accepted, err := s.ledger.TryConsumeTx(tx, txRef, FeatureDeals, d.ID)
		if err != nil {
			return fmt.Errorf("idempotency insert: %w", err)
		}
		if !accepted {
			outcome, replay = ErrReplayedTransaction, &model.UsedTransaction{TxRef: txRef}
			return s.fail(tx, d, now, fmt.Sprintf("payment %s replayed (concurrent verification)", txRef))
		}
		return s.markVerified(tx, d, txRef, now)
	})
	if err != nil {
		return nil, err
	}

	if replay != nil {
		s.raise(ctx, notify.Alert{
			Kind:    notify.KindSecurity,
			DealID:  deal.ID,
			Message: "payment proof replayed",
			Fields: map[string]string{
				"tx_ref":         txRef,
				"used_feature":   replay.Feature,
				"used_reference": replay.Reference,
				"user_id":        fmt.Sprint(deal.UserID),
			},
		})
		return deal, fmt.Errorf("%w: %s", outcome, txRef)
	}
	s.log.Info("payment verified", zap.String("deal_id", deal.ID), zap.String("tx_ref", txRef))
	return deal, nil
}

func (s *DealService) markVerified(tx *gorm.DB, d *model.Deal, txRef string, now time.Time) error {
	d.Status = model.DealVerified
	d.UserPaymentVerifiedAt = &now
	d.UserPaymentTxHash = &txRef
	return s.deals.Save(tx, d)
}

// Settle sends the agent's leg of a verified deal. On failure the deal is
// failed and reported as a liability; the user's payment stays credited.
func (s *DealService) Settle(ctx context.Context, id string) (*model.Deal, error) {
	unlock, err := s.locker.Lock(ctx, "deal:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock deal %s: %w", id, err)
	}
	defer unlock()

	deal, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if deal.Status != model.DealVerified {
		return nil, invalidTransition(deal, "settle")
	}
	return s.settle(ctx, deal)
}

// RetrySettlement re-runs settlement for a liability deal. Transfers are
// keyed by deal id, so one already acknowledged is not paid again.
func (s *DealService) RetrySettlement(ctx context.Context, id string) (*model.Deal, error) {
	unlock, err := s.locker.Lock(ctx, "deal:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock deal %s: %w", id, err)
	}
	defer unlock()

	deal, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !deal.IsLiability() {
		return nil, invalidTransition(deal, "retry settlement")
	}
	s.log.Warn("operator settlement retry", zap.String("deal_id", deal.ID))
	return s.settle(ctx, deal)
}

type settlementEvidence struct {
	txHash    *string
	giftMsgID *string
}

// settle runs detached from the caller's cancellation: once the deal lock is
// held the transfer and its bookkeeping finish even if the request goes away.
func (s *DealService) settle(ctx context.Context, deal *model.Deal) (*model.Deal, error) {
	ctx = context.WithoutCancel(ctx)
	ev, sendErr := s.deliver(ctx, deal)
	if sendErr != nil {
		s.log.Error("settlement failed", zap.String("deal_id", deal.ID), zap.Bool("liability", true), zap.Error(sendErr))
		failed, err := s.transition(ctx, deal.ID, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
			note := "settlement failed: " + sendErr.Error()
			switch {
			case d.Status == model.DealVerified:
				return s.fail(tx, d, now, note)
			case d.IsLiability():
				d.Notes = appendNote(d.Notes, now, note)
				return s.deals.Save(tx, d)
			}
			return invalidTransition(d, "fail settlement")
		})
		if err != nil {
			s.log.Error("record settlement failure", zap.String("deal_id", deal.ID), zap.Error(err))
		} else {
			deal = failed
		}
		s.raise(ctx, notify.Alert{
			Kind:    notify.KindLiability,
			DealID:  deal.ID,
			Message: "user payment verified but settlement failed",
			Fields: map[string]string{
				"error":   sendErr.Error(),
				"user_id": fmt.Sprint(deal.UserID),
			},
		})
		return deal, sendErr
	}

	completed, err := s.transition(ctx, deal.ID, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
		from := d.Status
		if from != model.DealVerified && !d.IsLiability() {
			return invalidTransition(d, "complete")
		}
		d.Status = model.DealCompleted
		d.AgentSentAt = &now
		d.AgentSentTxHash = ev.txHash
		d.AgentSentGiftMsgID = ev.giftMsgID
		d.CompletedAt = &now
		if err := s.deals.Save(tx, d); err != nil {
			return err
		}
		if from == model.DealFailed {
			return s.stats.Reclassify(tx, d, from, now)
		}
		return s.stats.ApplyTerminal(tx, d, now)
	})
	if err != nil {
		// The agent leg went out; the row must be repaired by hand.
		s.raise(ctx, notify.Alert{
			Kind:    notify.KindLiability,
			DealID:  deal.ID,
			Message: "settlement sent but deal not marked completed",
			Fields:  map[string]string{"error": err.Error()},
		})
		return nil, fmt.Errorf("complete deal %s: %w", deal.ID, err)
	}
	s.log.Info("deal completed", zap.String("deal_id", completed.ID))
	return completed, nil
}

func (s *DealService) deliver(ctx context.Context, d *model.Deal) (settlementEvidence, error) {
	switch d.AgentGives.Type {
	case model.LegNative:
		if d.UserPaymentWallet == nil {
			return settlementEvidence{}, fmt.Errorf("%w: deal has no payout wallet", ErrInvalidAddress)
		}
		res, err := s.settler.Send(ctx, TransferRequest{
			Reference:   d.ID,
			Feature:     FeatureDeals,
			Destination: *d.UserPaymentWallet,
			Amount:      d.AgentGives.NativeAmount.Decimal,
			Memo:        fmt.Sprintf(settlementMemoFmt, d.ID),
		})
		if err != nil {
			return settlementEvidence{}, err
		}
		evidence := res.Evidence()
		return settlementEvidence{txHash: &evidence}, nil

	case model.LegGift:
		if s.gifts == nil {
			return settlementEvidence{}, &OperationFailedError{Err: errors.New("no gift transport configured")}
		}
		g := GiftTransfer{DealID: d.ID, UserID: d.UserID, ChatID: d.ChatID}
		if d.AgentGives.GiftID != nil {
			g.GiftID = *d.AgentGives.GiftID
		}
		if d.AgentGives.GiftSlug != nil {
			g.GiftSlug = *d.AgentGives.GiftSlug
		}
		msgID, err := s.gifts.SendGift(ctx, g)
		if err != nil {
			return settlementEvidence{}, &OperationFailedError{Attempts: 1, Err: err}
		}
		return settlementEvidence{giftMsgID: &msgID}, nil
	}
	return settlementEvidence{}, fmt.Errorf("%w: %q", model.ErrLegType, d.AgentGives.Type)
}

func (s *DealService) Decline(ctx context.Context, id string) (*model.Deal, error) {
	return s.close(ctx, id, model.DealDeclined)
}

func (s *DealService) Cancel(ctx context.Context, id string) (*model.Deal, error) {
	return s.close(ctx, id, model.DealCancelled)
}

// close ends a non-terminal deal. Terminal deals are returned unchanged.
func (s *DealService) close(ctx context.Context, id string, status model.DealStatus) (*model.Deal, error) {
	unlock, err := s.locker.Lock(ctx, "deal:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock deal %s: %w", id, err)
	}
	defer unlock()

	var heldPayment bool
	deal, err := s.transition(ctx, id, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
		if d.Status.IsTerminal() {
			return nil
		}
		heldPayment = d.Status == model.DealVerified
		return s.finish(tx, d, status, now)
	})
	if err != nil {
		return nil, err
	}
	if heldPayment {
		s.raise(ctx, notify.Alert{
			Kind:    notify.KindLiability,
			DealID:  deal.ID,
			Message: fmt.Sprintf("deal %s with verified payment", status),
			Fields:  map[string]string{"user_id": fmt.Sprint(deal.UserID)},
		})
	}
	return deal, nil
}

// Expire moves a pre-payment deal past its window to expired. It reports
// false when the deal no longer qualifies.
func (s *DealService) Expire(ctx context.Context, id string) (bool, error) {
	var expired bool
	_, err := s.transition(ctx, id, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
		if (d.Status != model.DealProposed && d.Status != model.DealAccepted) || !d.Expired(now) {
			return nil
		}
		expired = true
		return s.finish(tx, d, model.DealExpired, now)
	})
	return expired, err
}

func (s *DealService) ListLiabilities(ctx context.Context, limit int) ([]*model.Deal, error) {
	return s.deals.ListLiabilities(ctx, clampLimit(limit))
}

func (s *DealService) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Deal, error) {
	return s.deals.ListByUser(ctx, userID, clampLimit(limit))
}

func (s *DealService) UserStats(ctx context.Context, userID int64) (*model.UserTradeStats, error) {
	stats, err := s.stats.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.UserTradeStats{UserID: userID}, nil
	}
	return stats, err
}

// Recover reconciles deals with the idempotency ledger after a crash:
// claimed deals whose verification was recorded are moved to verified, and
// verified or completed deals missing their ledger row get it back.
func (s *DealService) Recover(ctx context.Context) (verified, restored int, err error) {
	claimed, err := s.deals.ListByStatus(ctx, model.DealPaymentClaimed, recoverBatchSize)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range claimed {
		var moved bool
		_, terr := s.transition(ctx, c.ID, func(tx *gorm.DB, d *model.Deal, now time.Time) error {
			if d.Status != model.DealPaymentClaimed {
				return nil
			}
			row, err := s.ledger.LookupReference(tx, FeatureDeals, d.ID)
			if err != nil || row == nil {
				return err
			}
			moved = true
			return s.markVerified(tx, d, row.TxRef, now)
		})
		if terr != nil {
			s.log.Error("recover claimed deal", zap.String("deal_id", c.ID), zap.Error(terr))
			continue
		}
		if moved {
			verified++
		}
	}

	for _, status := range []model.DealStatus{model.DealVerified, model.DealCompleted} {
		list, err := s.deals.ListByStatus(ctx, status, recoverBatchSize)
		if err != nil {
			return verified, restored, err
		}
		for _, d := range list {
			if d.UserPaymentTxHash == nil {
				continue
			}
			ok, conflict, err := s.restoreLedgerRow(ctx, d)
			if err != nil {
				s.log.Error("restore ledger row", zap.String("deal_id", d.ID), zap.Error(err))
				continue
			}
			if ok {
				restored++
			}
			if conflict != nil {
				s.raise(ctx, notify.Alert{
					Kind:    notify.KindSecurity,
					DealID:  d.ID,
					Message: "deal payment credited to another reference",
					Fields: map[string]string{
						"tx_ref":         conflict.TxRef,
						"used_feature":   conflict.Feature,
						"used_reference": conflict.Reference,
					},
				})
			}
		}
	}
	if verified > 0 || restored > 0 {
		s.log.Warn("recovered deals", zap.Int("verified", verified), zap.Int("ledger_rows_restored", restored))
	}
	return verified, restored, nil
}

func (s *DealService) restoreLedgerRow(ctx context.Context, d *model.Deal) (bool, *model.UsedTransaction, error) {
	var (
		inserted bool
		conflict *model.UsedTransaction
	)
	err := s.deals.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.ledger.Lookup(tx, *d.UserPaymentTxHash)
		if err != nil {
			return err
		}
		if row != nil {
			if row.Feature != FeatureDeals || row.Reference != d.ID {
				conflict = row
			}
			return nil
		}
		inserted, err = s.ledger.TryConsumeTx(tx, *d.UserPaymentTxHash, FeatureDeals, d.ID)
		return err
	})
	return inserted, conflict, err
}

// transition loads the deal under a row lock and runs fn in the same
// transaction. fn must not touch the database outside tx.
func (s *DealService) transition(ctx context.Context, id string, fn func(tx *gorm.DB, d *model.Deal, now time.Time) error) (*model.Deal, error) {
	var out *model.Deal
	err := s.deals.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.deals.GetForUpdate(tx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDealNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := fn(tx, d, s.now().UTC()); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// finish writes a terminal status and folds it into the user's stats.
func (s *DealService) finish(tx *gorm.DB, d *model.Deal, status model.DealStatus, now time.Time) error {
	d.Status = status
	if err := s.deals.Save(tx, d); err != nil {
		return err
	}
	s.log.Info("deal closed", zap.String("deal_id", d.ID), zap.String("status", string(status)))
	return s.stats.ApplyTerminal(tx, d, now)
}

func (s *DealService) fail(tx *gorm.DB, d *model.Deal, now time.Time, note string) error {
	d.Notes = appendNote(d.Notes, now, note)
	return s.finish(tx, d, model.DealFailed, now)
}

func (s *DealService) raise(ctx context.Context, a notify.Alert) {
	if a.At.IsZero() {
		a.At = s.now().UTC()
	}
	if err := s.alerter.Alert(context.WithoutCancel(ctx), a); err != nil {
		s.log.Error("deliver alert", zap.String("deal_id", a.DealID), zap.String("kind", string(a.Kind)), zap.Error(err))
	}
}

func appendNote(notes string, at time.Time, note string) string {
	line := at.Format(time.RFC3339) + " " + note
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
