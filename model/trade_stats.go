package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserTradeStats is a per-user rolling aggregate, written only alongside a
// deal's terminal transition. Sent/received are from the user's side.
type UserTradeStats struct {
	UserID             int64           `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	UserName           string          `gorm:"size:64" json:"userName,omitempty"`
	FirstTradeAt       time.Time       `json:"firstTradeAt"`
	LastDealAt         *time.Time      `json:"lastDealAt,omitempty"`
	TotalDeals         int64           `gorm:"not null;default:0" json:"totalDeals"`
	CompletedDeals     int64           `gorm:"not null;default:0" json:"completedDeals"`
	DeclinedDeals      int64           `gorm:"not null;default:0" json:"declinedDeals"`
	ExpiredDeals       int64           `gorm:"not null;default:0" json:"expiredDeals"`
	FailedDeals        int64           `gorm:"not null;default:0" json:"failedDeals"`
	TotalNativeSent    decimal.Decimal `gorm:"type:decimal(30,9);not null;default:0" json:"totalNativeSent"`
	TotalNativeRecv    decimal.Decimal `gorm:"column:total_native_received;type:decimal(30,9);not null;default:0" json:"totalNativeReceived"`
	TotalGiftsSent     int64           `gorm:"not null;default:0" json:"totalGiftsSent"`
	TotalGiftsReceived int64           `gorm:"not null;default:0" json:"totalGiftsReceived"`
}

// Apply folds one terminal deal into the aggregate.
func (s *UserTradeStats) Apply(d *Deal, at time.Time) {
	s.TotalDeals++
	s.LastDealAt = &at
	if d.UserName != "" {
		s.UserName = d.UserName
	}

	switch d.Status {
	case DealCompleted:
		s.CompletedDeals++
		if d.UserGives.Type == LegNative {
			s.TotalNativeSent = s.TotalNativeSent.Add(d.UserGives.NativeAmount.Decimal)
		} else {
			s.TotalGiftsSent++
		}
		if d.AgentGives.Type == LegNative {
			s.TotalNativeRecv = s.TotalNativeRecv.Add(d.AgentGives.NativeAmount.Decimal)
		} else {
			s.TotalGiftsReceived++
		}
	case DealDeclined, DealCancelled:
		s.DeclinedDeals++
	case DealExpired:
		s.ExpiredDeals++
	case DealFailed:
		s.FailedDeals++
	}
}

// Reclassify moves a deal already counted under from into its current
// status. Only non-completed buckets can be left.
func (s *UserTradeStats) Reclassify(d *Deal, from DealStatus, at time.Time) {
	switch from {
	case DealDeclined, DealCancelled:
		s.DeclinedDeals--
	case DealExpired:
		s.ExpiredDeals--
	case DealFailed:
		s.FailedDeals--
	default:
		return
	}
	s.TotalDeals--
	s.Apply(d, at)
}
