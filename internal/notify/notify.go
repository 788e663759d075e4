package notify

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
)

// Event kinds published by the ledger.
const (
	KindIssued   = "issued"
	KindRedeemed = "redeemed"
)

// Event describes a completed issuance or redemption.
type Event struct {
	Kind       string
	Instrument model.Instrument
	Amount     decimal.Decimal
}

// Notifier is the notification collaborator. The ledger publishes
// fire-and-forget; delivery failure never affects ledger state.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// LogNotifier writes events to the process log. Stand-in for a real
// email/print integration.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, e Event) {
	log.Printf("notify: %s note=%s merchant=%s amount=%s",
		e.Kind, e.Instrument.NoteNumber, e.Instrument.MerchantID, e.Amount.String())
}
