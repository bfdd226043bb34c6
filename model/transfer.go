package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UsedTransaction marks an on-chain payment as credited. TxRef alone is the
// key, so one payment can never be credited by two features.
type UsedTransaction struct {
	TxRef     string    `gorm:"primaryKey;size:128" json:"txRef"`
	Feature   string    `gorm:"size:32;not null;index" json:"feature"`
	Reference string    `gorm:"size:64;index" json:"reference,omitempty"`
	UsedAt    time.Time `gorm:"not null" json:"usedAt"`
}

type TransferStatus string

const (
	TransferAcknowledged TransferStatus = "acknowledged"
	TransferFailed       TransferStatus = "failed"
)

// OutboundTransfer journals each settlement broadcast from the agent account.
// Reference is the caller's correlation key (deal id, payout id).
type OutboundTransfer struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Reference   string          `gorm:"size:64;not null;uniqueIndex" json:"reference"`
	Feature     string          `gorm:"size:32;not null;index" json:"feature"`
	Account     string          `gorm:"size:128;not null;index" json:"account"`
	Destination string          `gorm:"size:128;not null" json:"destination"`
	Amount      decimal.Decimal `gorm:"type:decimal(30,9);not null" json:"amount"`
	Memo        string          `gorm:"size:256" json:"memo,omitempty"`
	Sequence    uint64          `json:"sequence"`
	TraceRef    string          `gorm:"size:128" json:"traceRef,omitempty"`
	Hash        string          `gorm:"size:128;index" json:"hash,omitempty"`
	Status      TransferStatus  `gorm:"size:20;not null" json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// AccountSequence remembers the highest sequence value acknowledged for an
// account, so a lagging node cannot hand the same value out twice.
type AccountSequence struct {
	Account      string `gorm:"primaryKey;size:128"`
	LastSequence uint64
	UpdatedAt    time.Time
}

// AutoMigrate creates or updates every table owned by the escrow engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Deal{}, &UserTradeStats{}, &UsedTransaction{}, &OutboundTransfer{}, &AccountSequence{})
}
