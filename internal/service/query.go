package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
	"github.com/storecredit/creditnote/internal/repository"
)

// Get returns one instrument with its effective status evaluated at read
// time, so a note past its expiry reads as expired even though the stored
// status was never rewritten.
func (s *Ledger) Get(ctx context.Context, merchantID, id string) (*model.Instrument, error) {
	inst, err := s.store.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}

	inst.Status = inst.EffectiveStatus(time.Now())
	return inst, nil
}

// List returns a merchant-scoped page of instruments with effective
// statuses and the total matching count.
func (s *Ledger) List(ctx context.Context, f repository.ListFilter) (*repository.ListResult, error) {
	res, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range res.Items {
		res.Items[i].Status = res.Items[i].EffectiveStatus(now)
	}
	return res, nil
}

// OwnerBalance sums the outstanding balance across an owner's non-deleted,
// non-cancelled instruments.
func (s *Ledger) OwnerBalance(ctx context.Context, merchantID, ownerRef string) (decimal.Decimal, error) {
	return s.store.OwnerOutstanding(ctx, merchantID, ownerRef)
}

// Redemptions returns an instrument's redemption trail, newest first.
func (s *Ledger) Redemptions(ctx context.Context, merchantID, instrumentID string) ([]model.Redemption, error) {
	return s.store.ListRedemptions(ctx, merchantID, instrumentID)
}
