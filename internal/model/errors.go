package model

import "errors"

// Ledger error taxonomy. All of these are expected, caller-recoverable
// conditions; channels decide user messaging per kind. Store connectivity
// failures are not part of this set and propagate unmodified.
var (
	ErrNotFound            = errors.New("credit note not found")
	ErrExpired             = errors.New("credit note expired")
	ErrNotRedeemable       = errors.New("credit note not redeemable")
	ErrInsufficientBalance = errors.New("insufficient remaining balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrGenerationExhausted = errors.New("note number generation attempts exhausted")
	ErrNoteNumberTaken     = errors.New("note number already exists")
	ErrTokenIntegrity      = errors.New("token integrity check failed")
	ErrTokenExpired        = errors.New("token expired")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	ErrDuplicateRedemption = errors.New("duplicate redemption submission")
)
