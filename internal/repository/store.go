package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
)

// ListFilter narrows a merchant-scoped instrument listing.
type ListFilter struct {
	MerchantID string
	// Search matches note numbers and owner references.
	Search string
	Status string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// ListResult is one page of instruments plus the unpaginated total.
type ListResult struct {
	Items []model.Instrument `json:"items"`
	Total int                `json:"total"`
}

// RedemptionRequest describes one balance-reducing application.
type RedemptionRequest struct {
	InstrumentID string
	MerchantID   string
	Amount       decimal.Decimal
	ExternalRef  string
	ActorRef     string
}

// RedemptionResult reports the outcome of a successful redemption.
type RedemptionResult struct {
	Applied   decimal.Decimal
	Remaining decimal.Decimal
	Status    string
}

// Store is the ledger persistence contract. Implementations own the
// balance invariants: remaining never leaves [0, original], redemption
// records and balance updates commit atomically, and balance-affecting
// writes are serialized per instrument.
type Store interface {
	InsertInstrument(ctx context.Context, inst *model.Instrument) error
	GetByID(ctx context.Context, merchantID, id string) (*model.Instrument, error)
	GetByNoteNumber(ctx context.Context, merchantID, noteNumber string) (*model.Instrument, error)
	NoteNumberExists(ctx context.Context, noteNumber string) (bool, error)
	List(ctx context.Context, f ListFilter) (*ListResult, error)
	OwnerOutstanding(ctx context.Context, merchantID, ownerRef string) (decimal.Decimal, error)
	ApplyRedemption(ctx context.Context, req RedemptionRequest) (*RedemptionResult, error)
	ListRedemptions(ctx context.Context, merchantID, instrumentID string) ([]model.Redemption, error)
	Cancel(ctx context.Context, merchantID, id string) error
	SoftDelete(ctx context.Context, merchantID, id string) error
}
