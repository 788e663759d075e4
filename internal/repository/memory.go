package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
)

// MemoryStore is an in-memory ledger store with the same semantics as the
// Postgres repository. A single mutex serializes every mutation, which
// trivially satisfies the per-instrument linearizability requirement. Used
// in tests and when the service runs without a database.
type MemoryStore struct {
	mu          sync.Mutex
	instruments map[string]*model.Instrument
	byNote      map[string]string
	redemptions map[string][]model.Redemption
	seenRefs    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		byNote:      make(map[string]string),
		redemptions: make(map[string][]model.Redemption),
		seenRefs:    make(map[string]struct{}),
	}
}

// InsertInstrument stores a new instrument, enforcing note-number
// uniqueness the way the database unique constraint does.
func (s *MemoryStore) InsertInstrument(ctx context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byNote[inst.NoteNumber]; taken {
		return model.ErrNoteNumberTaken
	}

	cp := *inst
	s.instruments[cp.ID] = &cp
	s.byNote[cp.NoteNumber] = cp.ID
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, merchantID, id string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible(merchantID, id)
}

func (s *MemoryStore) GetByNoteNumber(ctx context.Context, merchantID, noteNumber string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byNote[noteNumber]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.visible(merchantID, id)
}

// visible returns a copy of a non-deleted, merchant-owned instrument.
// Callers must hold the lock.
func (s *MemoryStore) visible(merchantID, id string) (*model.Instrument, error) {
	inst, ok := s.instruments[id]
	if !ok || inst.DeletedAt != nil || inst.MerchantID != merchantID {
		return nil, model.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

// NoteNumberExists checks every instrument, deleted ones included.
func (s *MemoryStore) NoteNumberExists(ctx context.Context, noteNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.byNote[noteNumber]
	return taken, nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []model.Instrument{}
	search := strings.ToLower(f.Search)
	for _, inst := range s.instruments {
		if inst.MerchantID != f.MerchantID || inst.DeletedAt != nil {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(inst.NoteNumber), search) &&
			!strings.Contains(strings.ToLower(inst.OwnerRef), search) {
			continue
		}
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.From != nil && inst.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && inst.CreatedAt.After(*f.To) {
			continue
		}
		matched = append(matched, *inst)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &ListResult{Items: matched[start:end], Total: total}, nil
}

func (s *MemoryStore) OwnerOutstanding(ctx context.Context, merchantID, ownerRef string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, inst := range s.instruments {
		if inst.MerchantID != merchantID || inst.OwnerRef != ownerRef {
			continue
		}
		if inst.DeletedAt != nil || inst.Status == model.StatusCancelled {
			continue
		}
		total = total.Add(inst.RemainingAmount)
	}
	return total, nil
}

// ApplyRedemption applies one redemption under the store lock, mirroring
// the Postgres transaction: validate, append the record, update the
// balance and status, all or nothing.
func (s *MemoryStore) ApplyRedemption(ctx context.Context, req RedemptionRequest) (*RedemptionResult, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, model.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[req.InstrumentID]
	if !ok || inst.DeletedAt != nil || inst.MerchantID != req.MerchantID {
		return nil, model.ErrNotFound
	}

	now := time.Now()
	switch inst.EffectiveStatus(now) {
	case model.StatusExpired:
		return nil, model.ErrExpired
	case model.StatusCancelled, model.StatusFullyRedeemed:
		return nil, model.ErrNotRedeemable
	}
	if req.Amount.GreaterThan(inst.RemainingAmount) {
		return nil, model.ErrInsufficientBalance
	}

	if req.ExternalRef != "" {
		key := req.InstrumentID + "\x00" + req.ExternalRef
		if _, seen := s.seenRefs[key]; seen {
			return nil, model.ErrDuplicateRedemption
		}
		s.seenRefs[key] = struct{}{}
	}

	inst.RemainingAmount = inst.RemainingAmount.Sub(req.Amount)
	inst.Status = model.StatusPartiallyRedeemed
	if inst.RemainingAmount.IsZero() {
		inst.Status = model.StatusFullyRedeemed
	}
	inst.UpdatedAt = now

	s.redemptions[inst.ID] = append(s.redemptions[inst.ID], model.Redemption{
		ID:           uuid.NewString(),
		InstrumentID: inst.ID,
		Amount:       req.Amount,
		ExternalRef:  req.ExternalRef,
		ActorRef:     req.ActorRef,
		CreatedAt:    now,
	})

	return &RedemptionResult{
		Applied:   req.Amount,
		Remaining: inst.RemainingAmount,
		Status:    inst.Status,
	}, nil
}

func (s *MemoryStore) ListRedemptions(ctx context.Context, merchantID, instrumentID string) ([]model.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.visible(merchantID, instrumentID); err != nil {
		return nil, err
	}

	records := s.redemptions[instrumentID]
	out := make([]model.Redemption, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, merchantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok || inst.DeletedAt != nil || inst.MerchantID != merchantID {
		return model.ErrNotFound
	}

	switch inst.Status {
	case model.StatusCancelled, model.StatusFullyRedeemed:
		return model.ErrNotRedeemable
	}

	inst.Status = model.StatusCancelled
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, merchantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok || inst.DeletedAt != nil || inst.MerchantID != merchantID {
		return model.ErrNotFound
	}

	now := time.Now()
	inst.Status = model.StatusDeleted
	inst.DeletedAt = &now
	inst.UpdatedAt = now
	return nil
}
