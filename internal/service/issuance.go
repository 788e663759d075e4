package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/metrics"
	"github.com/storecredit/creditnote/internal/model"
	"github.com/storecredit/creditnote/internal/notify"
	"github.com/storecredit/creditnote/internal/token"
)

// DefaultCurrency applies when issuance does not declare one.
const DefaultCurrency = "USD"

// IssueParams describes a new credit note.
type IssueParams struct {
	MerchantID    string
	ActorRef      string
	OwnerRef      string
	Amount        decimal.Decimal
	Currency      string
	ExpiresInDays int
	Reason        string
}

// Issue creates a new instrument: allocates a note number, mints the
// redemption token, and writes the initial ledger row. If the write loses
// the uniqueness race on note_number despite the allocator's pre-check,
// the whole issuance is retried with a fresh number, up to the allocator's
// attempt bound.
func (s *Ledger) Issue(ctx context.Context, p IssueParams) (*model.Instrument, error) {
	start := time.Now()
	result := "failed"
	defer func() {
		metrics.RecordIssueDuration(result, time.Since(start).Seconds())
	}()

	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, model.ErrInvalidAmount
	}
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}

	var expiresAt *time.Time
	if p.ExpiresInDays > 0 {
		t := time.Now().AddDate(0, 0, p.ExpiresInDays)
		expiresAt = &t
	}

	for attempt := 0; attempt < s.issueAttempts; attempt++ {
		noteNumber, err := s.notes.Allocate(ctx)
		if err != nil {
			return nil, err
		}

		tok, err := s.tokens.Encode(token.Payload{
			NoteNumber: noteNumber,
			Amount:     p.Amount,
			OwnerRef:   p.OwnerRef,
			MerchantID: p.MerchantID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to mint token: %w", err)
		}

		now := time.Now()
		inst := &model.Instrument{
			ID:              uuid.NewString(),
			NoteNumber:      noteNumber,
			MerchantID:      p.MerchantID,
			OwnerRef:        p.OwnerRef,
			OriginalAmount:  p.Amount,
			RemainingAmount: p.Amount,
			Currency:        p.Currency,
			Status:          model.StatusActive,
			Reason:          p.Reason,
			Token:           tok,
			ExpiresAt:       expiresAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		err = s.store.InsertInstrument(ctx, inst)
		if errors.Is(err, model.ErrNoteNumberTaken) {
			// Lost the race between pre-check and write; allocate again.
			continue
		}
		if err != nil {
			return nil, err
		}

		s.publish(notify.Event{Kind: notify.KindIssued, Instrument: *inst, Amount: p.Amount})
		result = "success"
		return inst, nil
	}

	return nil, model.ErrGenerationExhausted
}
