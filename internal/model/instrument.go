package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument statuses as stored in the ledger.
const (
	StatusActive            = "active"
	StatusPartiallyRedeemed = "partially_redeemed"
	StatusFullyRedeemed     = "fully_redeemed"
	StatusExpired           = "expired"
	StatusCancelled         = "cancelled"
	StatusDeleted           = "deleted"
)

// Instrument represents a single credit note in the ledger.
type Instrument struct {
	ID              string          `db:"id" json:"id"`
	NoteNumber      string          `db:"note_number" json:"note_number"`
	MerchantID      string          `db:"merchant_id" json:"merchant_id"`
	OwnerRef        string          `db:"owner_ref" json:"owner_ref"`
	OriginalAmount  decimal.Decimal `db:"original_amount" json:"original_amount"`
	RemainingAmount decimal.Decimal `db:"remaining_amount" json:"remaining_amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          string          `db:"status" json:"status"`
	Reason          string          `db:"reason" json:"reason,omitempty"`
	Token           string          `db:"token" json:"token"`
	ExpiresAt       *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	DeletedAt       *time.Time      `db:"deleted_at" json:"-"`
}

// Redemption represents one successful balance-reducing application
// against an instrument.
type Redemption struct {
	ID           string          `db:"id" json:"id"`
	InstrumentID string          `db:"instrument_id" json:"instrument_id"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	ExternalRef  string          `db:"external_ref" json:"external_ref,omitempty"`
	ActorRef     string          `db:"actor_ref" json:"actor_ref,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// DeriveEffectiveStatus computes the status an instrument is in right now.
// Expiry is evaluated here at read/redeem time; the stored status is only
// rewritten by balance-changing or cancel/delete actions, never by a
// background sweep.
func DeriveEffectiveStatus(storedStatus string, remaining decimal.Decimal, expiresAt *time.Time, now time.Time) string {
	switch storedStatus {
	case StatusCancelled, StatusFullyRedeemed, StatusDeleted:
		return storedStatus
	}
	if expiresAt != nil && now.After(*expiresAt) {
		return StatusExpired
	}
	return storedStatus
}

// EffectiveStatus is DeriveEffectiveStatus applied to the instrument itself.
func (i *Instrument) EffectiveStatus(now time.Time) string {
	return DeriveEffectiveStatus(i.Status, i.RemainingAmount, i.ExpiresAt, now)
}
