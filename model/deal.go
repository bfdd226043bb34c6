package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type DealStatus string

const (
	DealProposed       DealStatus = "proposed"
	DealAccepted       DealStatus = "accepted"
	DealPaymentClaimed DealStatus = "payment_claimed"
	DealVerified       DealStatus = "verified"
	DealCompleted      DealStatus = "completed"
	DealDeclined       DealStatus = "declined"
	DealExpired        DealStatus = "expired"
	DealCancelled      DealStatus = "cancelled"
	DealFailed         DealStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s DealStatus) IsTerminal() bool {
	switch s {
	case DealCompleted, DealDeclined, DealExpired, DealCancelled, DealFailed:
		return true
	}
	return false
}

func (s DealStatus) Valid() bool {
	switch s {
	case DealProposed, DealAccepted, DealPaymentClaimed, DealVerified,
		DealCompleted, DealDeclined, DealExpired, DealCancelled, DealFailed:
		return true
	}
	return false
}

// LegType is the kind of asset one party contributes.
type LegType string

const (
	LegNative LegType = "native"
	LegGift   LegType = "gift"
)

// Leg is one party's side of a deal. Exactly one of NativeAmount or GiftID is
// set, matching Type. Value is the agent's valuation in native units.
type Leg struct {
	Type         LegType             `gorm:"size:16;not null" json:"type"`
	NativeAmount decimal.NullDecimal `gorm:"type:decimal(30,9)" json:"nativeAmount,omitempty"`
	GiftID       *string             `gorm:"size:128" json:"giftId,omitempty"`
	GiftSlug     *string             `gorm:"size:128" json:"giftSlug,omitempty"`
	Value        decimal.Decimal     `gorm:"type:decimal(30,9);not null" json:"value"`
}

var (
	ErrLegType       = errors.New("unknown leg type")
	ErrLegPayload    = errors.New("leg payload does not match its type")
	ErrLegValue      = errors.New("leg valuation must be positive")
	ErrNativeAmount  = errors.New("native amount must be positive")
	ErrExpiryOrder   = errors.New("expires_at must be after created_at")
	ErrEvidenceState = errors.New("evidence not allowed in current status")
	ErrUnknownStatus = errors.New("unknown deal status")
)

// Validate checks the leg payload against its declared type.
func (l Leg) Validate() error {
	switch l.Type {
	case LegNative:
		if !l.NativeAmount.Valid || l.GiftID != nil || l.GiftSlug != nil {
			return ErrLegPayload
		}
		if !l.NativeAmount.Decimal.IsPositive() {
			return ErrNativeAmount
		}
	case LegGift:
		if l.NativeAmount.Valid || l.GiftID == nil || *l.GiftID == "" {
			return ErrLegPayload
		}
	default:
		return fmt.Errorf("%w: %q", ErrLegType, l.Type)
	}
	if !l.Value.IsPositive() {
		return ErrLegValue
	}
	return nil
}

// NativeLeg builds a leg carrying a native-currency amount.
func NativeLeg(amount, value decimal.Decimal) Leg {
	return Leg{
		Type:         LegNative,
		NativeAmount: decimal.NewNullDecimal(amount),
		Value:        value,
	}
}

// GiftLeg builds a leg carrying a single collectible.
func GiftLeg(giftID, slug string, value decimal.Decimal) Leg {
	return Leg{
		Type:     LegGift,
		GiftID:   &giftID,
		GiftSlug: &slug,
		Value:    value,
	}
}

// Deal is one proposed two-party swap.
type Deal struct {
	ID     string     `gorm:"primaryKey;size:32" json:"id"`
	Status DealStatus `gorm:"size:20;not null;index;check:chk_deals_status,status IN ('proposed','accepted','payment_claimed','verified','completed','declined','expired','cancelled','failed')" json:"status"`

	UserID            int64   `gorm:"not null;index" json:"userId"`
	UserName          string  `gorm:"size:64" json:"userName,omitempty"`
	ChatID            string  `gorm:"size:64;not null;index" json:"chatId"`
	ProposalMessageID *int64  `json:"proposalMessageId,omitempty"`
	InlineMessageID   *string `gorm:"size:128;index" json:"inlineMessageId,omitempty"`

	UserGives  Leg `gorm:"embedded;embeddedPrefix:user_gives_" json:"userGives"`
	AgentGives Leg `gorm:"embedded;embeddedPrefix:agent_gives_" json:"agentGives"`

	// payment evidence, set from payment_claimed on
	PaymentClaimedAt      *time.Time `gorm:"index" json:"paymentClaimedAt,omitempty"`
	UserPaymentVerifiedAt *time.Time `json:"userPaymentVerifiedAt,omitempty"`
	UserPaymentTxHash     *string    `gorm:"size:128;index" json:"userPaymentTxHash,omitempty"`
	UserPaymentGiftMsgID  *string    `gorm:"size:64" json:"userPaymentGiftMsgId,omitempty"`
	UserPaymentWallet     *string    `gorm:"size:128" json:"userPaymentWallet,omitempty"`

	// settlement evidence, set only on completed
	AgentSentAt        *time.Time `json:"agentSentAt,omitempty"`
	AgentSentTxHash    *string    `gorm:"size:128" json:"agentSentTxHash,omitempty"`
	AgentSentGiftMsgID *string    `gorm:"size:64" json:"agentSentGiftMsgId,omitempty"`

	StrategyCheck string          `gorm:"type:text" json:"strategyCheck,omitempty"`
	Profit        decimal.Decimal `gorm:"type:decimal(30,9)" json:"profit"`
	Notes         string          `gorm:"type:text" json:"notes,omitempty"`

	CreatedAt   time.Time  `gorm:"not null" json:"createdAt"`
	ExpiresAt   time.Time  `gorm:"not null;index" json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HasPaymentEvidence reports whether the user's leg has been claimed or proven.
func (d *Deal) HasPaymentEvidence() bool {
	return d.PaymentClaimedAt != nil || d.UserPaymentTxHash != nil ||
		d.UserPaymentWallet != nil || d.UserPaymentGiftMsgID != nil || d.UserPaymentVerifiedAt != nil
}

// HasSettlementEvidence reports whether the agent's leg has been sent.
func (d *Deal) HasSettlementEvidence() bool {
	return d.AgentSentAt != nil || d.AgentSentTxHash != nil || d.AgentSentGiftMsgID != nil
}

// IsLiability is a deal whose user payment was verified but whose settlement
// failed: the user's funds are held and nothing was sent back.
func (d *Deal) IsLiability() bool {
	return d.Status == DealFailed && d.UserPaymentVerifiedAt != nil && !d.HasSettlementEvidence()
}

// Expired reports whether the proposal window has passed at now.
func (d *Deal) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Validate enforces the per-status invariants of a deal row.
func (d *Deal) Validate() error {
	if !d.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, d.Status)
	}
	if err := d.UserGives.Validate(); err != nil {
		return fmt.Errorf("user leg: %w", err)
	}
	if err := d.AgentGives.Validate(); err != nil {
		return fmt.Errorf("agent leg: %w", err)
	}
	if !d.ExpiresAt.After(d.CreatedAt) {
		return ErrExpiryOrder
	}

	switch d.Status {
	case DealPaymentClaimed, DealVerified, DealCompleted:
	case DealFailed, DealDeclined, DealCancelled:
		// a paid deal may still be failed or closed by an operator; the
		// payment evidence stays on the row as the audit trail
	default:
		if d.HasPaymentEvidence() {
			return fmt.Errorf("%w: payment evidence on %s deal", ErrEvidenceState, d.Status)
		}
	}
	if d.Status != DealCompleted && d.HasSettlementEvidence() {
		return fmt.Errorf("%w: settlement evidence on %s deal", ErrEvidenceState, d.Status)
	}
	return nil
}
