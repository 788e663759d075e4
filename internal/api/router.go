// Package api exposes the ledger core over JSON HTTP. The three client
// channels (admin console, scanning terminal, generic API) all consume
// this surface; identity arrives pre-verified in the X-Merchant-Id and
// X-Actor-Ref headers installed by the upstream authentication layer.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storecredit/creditnote/internal/service"
)

type contextKey string

const (
	merchantKey contextKey = "merchant"
	actorKey    contextKey = "actor"
)

// Handler holds all API handler state.
type Handler struct {
	ledger *service.Ledger
}

// NewHandler creates a new API handler.
func NewHandler(ledger *service.Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// Routes mounts the v1 credit note routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/credit-notes", func(r chi.Router) {
		r.Use(h.requireMerchant)

		r.Post("/", h.IssueNote)
		r.Get("/", h.ListNotes)
		r.Get("/balance", h.OwnerBalance)
		r.Post("/redeem", h.RedeemNote)
		r.Get("/{id}", h.GetNote)
		r.Get("/{id}/redemptions", h.ListRedemptions)
		r.Post("/{id}/cancel", h.CancelNote)
		r.Delete("/{id}", h.DeleteNote)
	})
}

// requireMerchant rejects requests missing the trusted merchant identity
// header and stashes the (merchant, actor) pair in the request context.
func (h *Handler) requireMerchant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merchantID := r.Header.Get("X-Merchant-Id")
		if merchantID == "" {
			writeError(w, http.StatusUnauthorized, "missing merchant identity")
			return
		}

		ctx := context.WithValue(r.Context(), merchantKey, merchantID)
		ctx = context.WithValue(ctx, actorKey, r.Header.Get("X-Actor-Ref"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func merchantFrom(ctx context.Context) string {
	v, _ := ctx.Value(merchantKey).(string)
	return v
}

func actorFrom(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}
