package service

import (
	"context"

	"github.com/storecredit/creditnote/internal/notegen"
	"github.com/storecredit/creditnote/internal/notify"
	"github.com/storecredit/creditnote/internal/repository"
	"github.com/storecredit/creditnote/internal/token"
)

// Ledger is the credit note ledger core: issuance, redemption, and
// merchant-scoped reads against one Store. Caller identity
// (merchantID, actorRef) arrives pre-verified from the identity
// collaborator and is trusted as-is.
type Ledger struct {
	store    repository.Store
	notes    *notegen.Generator
	tokens   *token.Codec
	notifier notify.Notifier

	issueAttempts int
}

// New creates a Ledger service.
func New(store repository.Store, tokens *token.Codec, notifier notify.Notifier, notePrefix string, noteAttempts int) *Ledger {
	if noteAttempts < 1 {
		noteAttempts = 10
	}
	return &Ledger{
		store:         store,
		notes:         notegen.New(notePrefix, noteAttempts, store),
		tokens:        tokens,
		notifier:      notifier,
		issueAttempts: noteAttempts,
	}
}

// publish hands an event to the notification collaborator without ever
// blocking or failing the ledger operation.
func (s *Ledger) publish(e notify.Event) {
	if s.notifier == nil {
		return
	}
	go s.notifier.Notify(context.Background(), e)
}
