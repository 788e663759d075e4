package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
)

const instrumentColumns = `id, note_number, merchant_id, owner_ref, original_amount, remaining_amount,
	currency, status, reason, token, expires_at, created_at, updated_at, deleted_at`

// Postgres error codes worth translating into the ledger taxonomy.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// InstrumentRepository is the Postgres-backed ledger store.
type InstrumentRepository struct {
	db *sqlx.DB
}

// NewInstrumentRepository creates a new Postgres instrument repository.
func NewInstrumentRepository(db *sqlx.DB) *InstrumentRepository {
	return &InstrumentRepository{db: db}
}

// InsertInstrument writes a freshly issued instrument. A note-number
// collision surfaces as model.ErrNoteNumberTaken so issuance can
// re-allocate; this unique constraint is the real uniqueness gate behind
// the allocator's pre-check.
func (r *InstrumentRepository) InsertInstrument(ctx context.Context, inst *model.Instrument) error {
	query := `
		INSERT INTO credit_notes (` + instrumentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.NoteNumber, inst.MerchantID, inst.OwnerRef,
		inst.OriginalAmount, inst.RemainingAmount, inst.Currency, inst.Status,
		inst.Reason, inst.Token, inst.ExpiresAt, inst.CreatedAt, inst.UpdatedAt, inst.DeletedAt)
	if err != nil {
		if isUniqueViolation(err, "credit_notes_note_number_key") {
			return model.ErrNoteNumberTaken
		}
		return fmt.Errorf("failed to insert instrument: %w", err)
	}

	return nil
}

// GetByID fetches a non-deleted instrument scoped to a merchant.
func (r *InstrumentRepository) GetByID(ctx context.Context, merchantID, id string) (*model.Instrument, error) {
	query := `
		SELECT ` + instrumentColumns + `
		FROM credit_notes
		WHERE id = $1 AND merchant_id = $2 AND deleted_at IS NULL
	`

	var inst model.Instrument
	if err := r.db.GetContext(ctx, &inst, query, id, merchantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}

	return &inst, nil
}

// GetByNoteNumber fetches a non-deleted instrument by its display
// identifier, scoped to a merchant. A note number owned by a different
// merchant fails closed with model.ErrNotFound.
func (r *InstrumentRepository) GetByNoteNumber(ctx context.Context, merchantID, noteNumber string) (*model.Instrument, error) {
	query := `
		SELECT ` + instrumentColumns + `
		FROM credit_notes
		WHERE note_number = $1 AND merchant_id = $2 AND deleted_at IS NULL
	`

	var inst model.Instrument
	if err := r.db.GetContext(ctx, &inst, query, noteNumber, merchantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instrument by note number: %w", err)
	}

	return &inst, nil
}

// NoteNumberExists checks a candidate against every instrument, deleted
// ones included, since note numbers are never recycled.
func (r *InstrumentRepository) NoteNumberExists(ctx context.Context, noteNumber string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM credit_notes WHERE note_number = $1)`
	if err := r.db.GetContext(ctx, &exists, query, noteNumber); err != nil {
		return false, fmt.Errorf("failed to check note number: %w", err)
	}
	return exists, nil
}

// List returns one page of a merchant's non-deleted instruments plus the
// total matching count.
func (r *InstrumentRepository) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	where := []string{"merchant_id = $1", "deleted_at IS NULL"}
	args := []interface{}{f.MerchantID}

	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(note_number ILIKE $%d OR owner_ref ILIKE $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM credit_notes WHERE " + whereClause
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to count instruments: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM credit_notes
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, instrumentColumns, whereClause, len(args)-1, len(args))

	items := []model.Instrument{}
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}

	return &ListResult{Items: items, Total: total}, nil
}

// OwnerOutstanding sums the remaining balance across an owner's
// non-deleted, non-cancelled instruments.
func (r *InstrumentRepository) OwnerOutstanding(ctx context.Context, merchantID, ownerRef string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(remaining_amount), 0)
		FROM credit_notes
		WHERE merchant_id = $1 AND owner_ref = $2 AND deleted_at IS NULL AND status <> $3
	`

	var total decimal.Decimal
	if err := r.db.GetContext(ctx, &total, query, merchantID, ownerRef, model.StatusCancelled); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum outstanding balance: %w", err)
	}

	return total, nil
}

// ApplyRedemption validates and applies one redemption as a single
// transaction. The instrument row is locked with SELECT ... FOR UPDATE for
// the duration of the read-modify-write, so concurrent attempts against
// the same instrument serialize and can never jointly exceed the
// remaining balance.
func (r *InstrumentRepository) ApplyRedemption(ctx context.Context, req RedemptionRequest) (*RedemptionResult, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, model.ErrInvalidAmount
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `
		SELECT ` + instrumentColumns + `
		FROM credit_notes
		WHERE id = $1 AND merchant_id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`

	var inst model.Instrument
	if err := tx.GetContext(ctx, &inst, lockQuery, req.InstrumentID, req.MerchantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		if isSerializationFailure(err) {
			return nil, model.ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("failed to lock instrument: %w", err)
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

	newRemaining := inst.RemainingAmount.Sub(req.Amount)
	newStatus := model.StatusPartiallyRedeemed
	if newRemaining.IsZero() {
		newStatus = model.StatusFullyRedeemed
	}

	insertQuery := `
		INSERT INTO redemptions (id, instrument_id, amount, external_ref, actor_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.ExecContext(ctx, insertQuery,
		uuid.NewString(), inst.ID, req.Amount, req.ExternalRef, req.ActorRef, now)
	if err != nil {
		if isUniqueViolation(err, "redemptions_instrument_external_idx") {
			return nil, model.ErrDuplicateRedemption
		}
		return nil, fmt.Errorf("failed to insert redemption record: %w", err)
	}

	updateQuery := `
		UPDATE credit_notes
		SET remaining_amount = $1, status = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := tx.ExecContext(ctx, updateQuery, newRemaining, newStatus, now, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return nil, fmt.Errorf("balance update touched %d rows", rowsAffected)
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, model.ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}

	return &RedemptionResult{
		Applied:   req.Amount,
		Remaining: newRemaining,
		Status:    newStatus,
	}, nil
}

// ListRedemptions returns an instrument's redemption trail, newest first.
// The join enforces merchant scoping.
func (r *InstrumentRepository) ListRedemptions(ctx context.Context, merchantID, instrumentID string) ([]model.Redemption, error) {
	if _, err := r.GetByID(ctx, merchantID, instrumentID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, instrument_id, amount, external_ref, actor_ref, created_at
		FROM redemptions
		WHERE instrument_id = $1
		ORDER BY created_at DESC
	`

	records := []model.Redemption{}
	if err := r.db.SelectContext(ctx, &records, query, instrumentID); err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}

	return records, nil
}

// Cancel transitions an instrument to the terminal cancelled status and
// freezes its remaining balance.
func (r *InstrumentRepository) Cancel(ctx context.Context, merchantID, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `
		SELECT ` + instrumentColumns + `
		FROM credit_notes
		WHERE id = $1 AND merchant_id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`

	var inst model.Instrument
	if err := tx.GetContext(ctx, &inst, lockQuery, id, merchantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		return fmt.Errorf("failed to lock instrument: %w", err)
	}

	switch inst.Status {
	case model.StatusCancelled, model.StatusFullyRedeemed:
		return model.ErrNotRedeemable
	}

	updateQuery := `UPDATE credit_notes SET status = $1, updated_at = $2 WHERE id = $3`
	if _, err := tx.ExecContext(ctx, updateQuery, model.StatusCancelled, time.Now(), id); err != nil {
		return fmt.Errorf("failed to cancel instrument: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cancel: %w", err)
	}

	return nil
}

// SoftDelete hides an instrument from every read while retaining the row
// for audit. It never participates in balance changes again.
func (r *InstrumentRepository) SoftDelete(ctx context.Context, merchantID, id string) error {
	query := `
		UPDATE credit_notes
		SET status = $1, deleted_at = $2, updated_at = $2
		WHERE id = $3 AND merchant_id = $4 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, model.StatusDeleted, time.Now(), id, merchantID)
	if err != nil {
		return fmt.Errorf("failed to delete instrument: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrNotFound
	}

	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqUniqueViolation && pqErr.Constraint == constraint
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}
