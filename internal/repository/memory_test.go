package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storecredit/creditnote/internal/model"
)

func newInstrument(t *testing.T, merchantID, ownerRef, amount string) *model.Instrument {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	now := time.Now()
	return &model.Instrument{
		ID:              uuid.NewString(),
		NoteNumber:      fmt.Sprintf("CN-2026-%04d", time.Now().UnixNano()%10000),
		MerchantID:      merchantID,
		OwnerRef:        ownerRef,
		OriginalAmount:  amt,
		RemainingAmount: amt,
		Currency:        "USD",
		Status:          model.StatusActive,
		Token:           "tok-" + uuid.NewString(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func mustInsert(t *testing.T, s Store, inst *model.Instrument) {
	t.Helper()
	// Regenerate on the rare nanosecond-derived note number collision
	for i := 0; i < 10; i++ {
		err := s.InsertInstrument(context.Background(), inst)
		if err == nil {
			return
		}
		require.ErrorIs(t, err, model.ErrNoteNumberTaken)
		inst.NoteNumber = fmt.Sprintf("CN-2026-%04d-%s", i, uuid.NewString()[:4])
	}
	t.Fatal("could not insert instrument")
}

func redeem(s Store, inst *model.Instrument, amount string, externalRef string) (*RedemptionResult, error) {
	return s.ApplyRedemption(context.Background(), RedemptionRequest{
		InstrumentID: inst.ID,
		MerchantID:   inst.MerchantID,
		Amount:       decimal.RequireFromString(amount),
		ExternalRef:  externalRef,
		ActorRef:     "tester",
	})
}

func TestRedemptionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "50.00")
	mustInsert(t, s, inst)

	res, err := redeem(s, inst, "20.00", "order-1")
	require.NoError(t, err)
	assert.True(t, res.Remaining.Equal(decimal.RequireFromString("30.00")))
	assert.Equal(t, model.StatusPartiallyRedeemed, res.Status)

	res, err = redeem(s, inst, "30.00", "order-2")
	require.NoError(t, err)
	assert.True(t, res.Remaining.IsZero())
	assert.Equal(t, model.StatusFullyRedeemed, res.Status)

	_, err = redeem(s, inst, "0.01", "order-3")
	assert.ErrorIs(t, err, model.ErrNotRedeemable)

	records, err := s.ListRedemptions(ctx, "m1", inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	total := decimal.Zero
	for _, rec := range records {
		total = total.Add(rec.Amount)
	}
	assert.True(t, total.Equal(inst.OriginalAmount))
}

func TestInsufficientBalanceLeavesLedgerUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "10.00")
	mustInsert(t, s, inst)

	_, err := redeem(s, inst, "10.01", "order-1")
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingAmount.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, model.StatusActive, got.Status)

	records, err := s.ListRedemptions(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInvalidAmountRejected(t *testing.T) {
	s := NewMemoryStore()

	inst := newInstrument(t, "m1", "owner-1", "10.00")
	mustInsert(t, s, inst)

	_, err := redeem(s, inst, "0", "order-1")
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = redeem(s, inst, "-5.00", "order-2")
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestExpiredInstrumentRejectsRedemption(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "100.00")
	past := time.Now().Add(-time.Hour)
	inst.ExpiresAt = &past
	mustInsert(t, s, inst)

	_, err := redeem(s, inst, "1.00", "order-1")
	assert.ErrorIs(t, err, model.ErrExpired)

	// Stored status still reads active; expiry is derived lazily
	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.True(t, got.RemainingAmount.Equal(decimal.RequireFromString("100.00")))
}

func TestCancelFreezesBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "40.00")
	mustInsert(t, s, inst)

	require.NoError(t, s.Cancel(ctx, "m1", inst.ID))

	_, err := redeem(s, inst, "10.00", "order-1")
	assert.ErrorIs(t, err, model.ErrNotRedeemable)

	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.True(t, got.RemainingAmount.Equal(decimal.RequireFromString("40.00")))

	// Cancel is terminal; a second cancel is rejected
	assert.ErrorIs(t, s.Cancel(ctx, "m1", inst.ID), model.ErrNotRedeemable)
}

func TestConcurrentDoubleSpend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "25.00")
	mustInsert(t, s, inst)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = redeem(s, inst, "25.00", fmt.Sprintf("order-%d", i))
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		// The winner drains the balance to zero, so the serialized loser
		// observes a fully redeemed note, the same outcome as redeeming
		// after a completed full redemption.
		assert.ErrorIs(t, err, model.ErrNotRedeemable)
	}
	assert.Equal(t, 1, successes, "exactly one of two racing full redemptions must win")

	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingAmount.IsZero())
	assert.Equal(t, model.StatusFullyRedeemed, got.Status)

	records, err := s.ListRedemptions(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "only the winning redemption may produce a record")
}

func TestConcurrentPartialDrainLoserSeesInsufficientBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "25.00")
	mustInsert(t, s, inst)

	// Two racing 20.00 redemptions against 25.00: the winner leaves a
	// positive 5.00 balance, so the loser is told to try a smaller amount
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = redeem(s, inst, "20.00", fmt.Sprintf("order-%d", i))
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, successes)

	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingAmount.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, model.StatusPartiallyRedeemed, got.Status)
}

func TestBalanceInvariantUnderConcurrentRedemptions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "100.00")
	mustInsert(t, s, inst)

	// 150 workers each try to take 1.00 from a 100.00 note
	var wg sync.WaitGroup
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = redeem(s, inst, "1.00", fmt.Sprintf("order-%d", i))
		}(i)
	}
	wg.Wait()

	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.False(t, got.RemainingAmount.IsNegative())

	records, err := s.ListRedemptions(ctx, "m1", inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 100)

	total := decimal.Zero
	for _, rec := range records {
		total = total.Add(rec.Amount)
	}
	assert.True(t, total.Equal(got.OriginalAmount.Sub(got.RemainingAmount)),
		"sum(redemptions) must equal original - remaining")
	assert.Equal(t, model.StatusFullyRedeemed, got.Status)
}

func TestDuplicateExternalRefRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "50.00")
	mustInsert(t, s, inst)

	_, err := redeem(s, inst, "10.00", "pos-retry-1")
	require.NoError(t, err)

	// A retried submission with the same external ref must not apply twice
	_, err = redeem(s, inst, "10.00", "pos-retry-1")
	assert.ErrorIs(t, err, model.ErrDuplicateRedemption)

	got, err := s.GetByID(ctx, "m1", inst.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingAmount.Equal(decimal.RequireFromString("40.00")))

	// Empty external refs are exempt from deduplication
	_, err = redeem(s, inst, "5.00", "")
	require.NoError(t, err)
	_, err = redeem(s, inst, "5.00", "")
	require.NoError(t, err)
}

func TestMerchantIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "50.00")
	mustInsert(t, s, inst)

	_, err := s.GetByID(ctx, "m2", inst.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.GetByNoteNumber(ctx, "m2", inst.NoteNumber)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.ApplyRedemption(ctx, RedemptionRequest{
		InstrumentID: inst.ID,
		MerchantID:   "m2",
		Amount:       decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.ListRedemptions(ctx, "m2", inst.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, s.Cancel(ctx, "m2", inst.ID), model.ErrNotFound)
	assert.ErrorIs(t, s.SoftDelete(ctx, "m2", inst.ID), model.ErrNotFound)
}

func TestSoftDeleteHidesEverywhere(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "50.00")
	mustInsert(t, s, inst)

	require.NoError(t, s.SoftDelete(ctx, "m1", inst.ID))

	_, err := s.GetByID(ctx, "m1", inst.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.GetByNoteNumber(ctx, "m1", inst.NoteNumber)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = redeem(s, inst, "1.00", "order-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	res, err := s.List(ctx, ListFilter{MerchantID: "m1"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Total)

	// Note numbers are never recycled, deleted or not
	exists, err := s.NoteNumberExists(ctx, inst.NoteNumber)
	require.NoError(t, err)
	assert.True(t, exists)

	// Already deleted; a second delete reports not found
	assert.ErrorIs(t, s.SoftDelete(ctx, "m1", inst.ID), model.ErrNotFound)
}

func TestNoteNumberUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstrument(t, "m1", "owner-1", "50.00")
	require.NoError(t, s.InsertInstrument(ctx, inst))

	dup := newInstrument(t, "m2", "owner-2", "10.00")
	dup.NoteNumber = inst.NoteNumber
	assert.ErrorIs(t, s.InsertInstrument(ctx, dup), model.ErrNoteNumberTaken)
}

func TestListFiltersAndPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		inst := newInstrument(t, "m1", fmt.Sprintf("owner-%d", i), "10.00")
		inst.NoteNumber = fmt.Sprintf("CN-2026-1%03d", i)
		inst.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		mustInsert(t, s, inst)
	}
	other := newInstrument(t, "m2", "owner-x", "10.00")
	other.NoteNumber = "CN-2026-9999"
	mustInsert(t, s, other)

	res, err := s.List(ctx, ListFilter{MerchantID: "m1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Items, 2)
	// Newest first
	assert.Equal(t, "CN-2026-1004", res.Items[0].NoteNumber)

	res, err = s.List(ctx, ListFilter{MerchantID: "m1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "CN-2026-1000", res.Items[0].NoteNumber)

	// Out-of-range paging values clamp to a sane page instead of slicing
	// out of bounds.
	res, err = s.List(ctx, ListFilter{MerchantID: "m1", Limit: -3, Offset: -1})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Len(t, res.Items, 5)

	res, err = s.List(ctx, ListFilter{MerchantID: "m1", Limit: 2, Offset: 99})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Empty(t, res.Items)

	res, err = s.List(ctx, ListFilter{MerchantID: "m1", Search: "owner-3"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "owner-3", res.Items[0].OwnerRef)

	res, err = s.List(ctx, ListFilter{MerchantID: "m1", Search: "cn-2026-1002"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	res, err = s.List(ctx, ListFilter{MerchantID: "m1", Status: model.StatusActive})
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)

	from := base.Add(3*time.Minute - time.Second)
	res, err = s.List(ctx, ListFilter{MerchantID: "m1", From: &from})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
}

func TestOwnerOutstandingExcludesCancelledAndDeleted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	active := newInstrument(t, "m1", "owner-1", "30.00")
	mustInsert(t, s, active)

	partially := newInstrument(t, "m1", "owner-1", "20.00")
	mustInsert(t, s, partially)
	_, err := redeem(s, partially, "5.00", "order-1")
	require.NoError(t, err)

	cancelled := newInstrument(t, "m1", "owner-1", "40.00")
	mustInsert(t, s, cancelled)
	require.NoError(t, s.Cancel(ctx, "m1", cancelled.ID))

	deleted := newInstrument(t, "m1", "owner-1", "50.00")
	mustInsert(t, s, deleted)
	require.NoError(t, s.SoftDelete(ctx, "m1", deleted.ID))

	otherOwner := newInstrument(t, "m1", "owner-2", "99.00")
	mustInsert(t, s, otherOwner)

	total, err := s.OwnerOutstanding(ctx, "m1", "owner-1")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("45.00")),
		"expected 30 + 15, got %s", total)
}
