package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/metrics"
	"github.com/storecredit/creditnote/internal/model"
	"github.com/storecredit/creditnote/internal/notify"
	"github.com/storecredit/creditnote/internal/repository"
	"github.com/storecredit/creditnote/internal/token"
)

// RedeemParams describes one redemption attempt. Credential is either a
// scanned token or a bare note number. A nil Amount means full redemption
// of whatever the ledger says remains.
type RedeemParams struct {
	MerchantID  string
	ActorRef    string
	Credential  string
	Amount      *decimal.Decimal
	ExternalRef string
}

// RedeemOutcome reports a successful redemption.
type RedeemOutcome struct {
	InstrumentID     string          `json:"instrument_id"`
	NoteNumber       string          `json:"note_number"`
	AppliedAmount    decimal.Decimal `json:"applied_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Status           string          `json:"status"`
}

// Redeem resolves the presented credential to an instrument and applies a
// balance-reducing transaction through the store. The token's embedded
// amount is never trusted; only the looked-up remaining balance is
// authoritative. Cross-merchant credentials fail closed with ErrNotFound.
func (s *Ledger) Redeem(ctx context.Context, p RedeemParams) (*RedeemOutcome, error) {
	start := time.Now()
	result := "failed"
	defer func() {
		metrics.RecordRedeemDuration(result, time.Since(start).Seconds())
	}()

	noteNumber, err := s.resolveCredential(p)
	if err != nil {
		return nil, err
	}

	inst, err := s.store.GetByNoteNumber(ctx, p.MerchantID, noteNumber)
	if err != nil {
		return nil, err
	}

	amount := inst.RemainingAmount
	if p.Amount != nil {
		amount = *p.Amount
	}

	res, err := s.store.ApplyRedemption(ctx, repository.RedemptionRequest{
		InstrumentID: inst.ID,
		MerchantID:   p.MerchantID,
		Amount:       amount,
		ExternalRef:  p.ExternalRef,
		ActorRef:     p.ActorRef,
	})
	if err != nil {
		return nil, err
	}

	s.publish(notify.Event{Kind: notify.KindRedeemed, Instrument: *inst, Amount: res.Applied})
	result = "success"

	return &RedeemOutcome{
		InstrumentID:     inst.ID,
		NoteNumber:       inst.NoteNumber,
		AppliedAmount:    res.Applied,
		RemainingBalance: res.Remaining,
		Status:           res.Status,
	}, nil
}

// resolveCredential recovers a candidate note number from the presented
// credential. Input that is not structurally a token is treated as a bare
// note number; a well-formed token with a bad digest is an integrity
// failure and is never downgraded to a note-number lookup.
func (s *Ledger) resolveCredential(p RedeemParams) (string, error) {
	payload, err := s.tokens.Decode(p.Credential)
	if err != nil {
		if errors.Is(err, token.ErrUnrecognizedFormat) {
			return p.Credential, nil
		}
		return "", err
	}

	// Tokens name their issuing merchant; fail closed rather than leak
	// existence across tenants. Legacy tokens carry no merchant id.
	if payload.MerchantID != "" && payload.MerchantID != p.MerchantID {
		return "", model.ErrNotFound
	}

	return payload.NoteNumber, nil
}

// Cancel terminally stops all future redemption of an instrument; the
// remaining balance is frozen as-is.
func (s *Ledger) Cancel(ctx context.Context, merchantID, id string) error {
	return s.store.Cancel(ctx, merchantID, id)
}

// Delete soft-deletes an instrument, hiding it from all reads while
// retaining the row for audit.
func (s *Ledger) Delete(ctx context.Context, merchantID, id string) error {
	return s.store.SoftDelete(ctx, merchantID, id)
}
