package notegen

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/storecredit/creditnote/internal/model"
)

// Checker answers whether a candidate note number is already in use,
// including soft-deleted instruments.
type Checker interface {
	NoteNumberExists(ctx context.Context, noteNumber string) (bool, error)
}

// Generator allocates human-readable note numbers of the form
// <prefix>-<year>-<4 digits>, e.g. CN-2026-0482.
//
// The existence pre-check only reduces retry frequency; the store's unique
// constraint on note_number is the real uniqueness gate, so callers must
// still handle ErrNoteNumberTaken on the final write.
type Generator struct {
	prefix      string
	maxAttempts int
	checker     Checker
}

// New creates a Generator. maxAttempts bounds the allocation loop; values
// below 1 fall back to 10.
func New(prefix string, maxAttempts int, checker Checker) *Generator {
	if maxAttempts < 1 {
		maxAttempts = 10
	}
	return &Generator{
		prefix:      prefix,
		maxAttempts: maxAttempts,
		checker:     checker,
	}
}

// Allocate returns a note number not currently present in the store.
// After maxAttempts colliding candidates it fails with
// ErrGenerationExhausted instead of spinning.
func (g *Generator) Allocate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		candidate, err := g.candidate()
		if err != nil {
			return "", err
		}

		taken, err := g.checker.NoteNumberExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check note number: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}

	return "", model.ErrGenerationExhausted
}

// candidate builds one random note number candidate.
func (g *Generator) candidate() (string, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	n := binary.BigEndian.Uint16(buf[:]) % 10000
	return fmt.Sprintf("%s-%d-%04d", g.prefix, time.Now().Year(), n), nil
}
