package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
	"github.com/storecredit/creditnote/internal/repository"
	"github.com/storecredit/creditnote/internal/service"
)

// IssueNote handles POST /v1/credit-notes.
func (h *Handler) IssueNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerRef      string          `json:"owner_ref"`
		Amount        decimal.Decimal `json:"amount"`
		Currency      string          `json:"currency"`
		ExpiresInDays int             `json:"expires_in_days"`
		Reason        string          `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerRef == "" {
		writeError(w, http.StatusUnprocessableEntity, "owner_ref is required")
		return
	}

	inst, err := h.ledger.Issue(r.Context(), service.IssueParams{
		MerchantID:    merchantFrom(r.Context()),
		ActorRef:      actorFrom(r.Context()),
		OwnerRef:      req.OwnerRef,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ExpiresInDays: req.ExpiresInDays,
		Reason:        req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, inst)
}

// RedeemNote handles POST /v1/credit-notes/redeem.
func (h *Handler) RedeemNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential  string           `json:"credential"`
		Amount      *decimal.Decimal `json:"amount"`
		ExternalRef string           `json:"external_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Credential == "" {
		writeError(w, http.StatusUnprocessableEntity, "credential is required")
		return
	}

	outcome, err := h.ledger.Redeem(r.Context(), service.RedeemParams{
		MerchantID:  merchantFrom(r.Context()),
		ActorRef:    actorFrom(r.Context()),
		Credential:  req.Credential,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// GetNote handles GET /v1/credit-notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	inst, err := h.ledger.Get(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ListNotes handles GET /v1/credit-notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := repository.ListFilter{
		MerchantID: merchantFrom(r.Context()),
		Search:     q.Get("q"),
		Status:     q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = &t
	}

	res, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OwnerBalance handles GET /v1/credit-notes/balance.
func (h *Handler) OwnerBalance(w http.ResponseWriter, r *http.Request) {
	ownerRef := r.URL.Query().Get("owner_ref")
	if ownerRef == "" {
		writeError(w, http.StatusUnprocessableEntity, "owner_ref is required")
		return
	}

	total, err := h.ledger.OwnerBalance(r.Context(), merchantFrom(r.Context()), ownerRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_ref":           ownerRef,
		"outstanding_balance": total,
	})
}

// ListRedemptions handles GET /v1/credit-notes/{id}/redemptions.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.Redemptions(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": records})
}

// CancelNote handles POST /v1/credit-notes/{id}/cancel.
func (h *Handler) CancelNote(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Cancel(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": model.StatusCancelled})
}

// DeleteNote handles DELETE /v1/credit-notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Delete(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the ledger error taxonomy onto distinct HTTP
// statuses so each channel can render an accurate message: retry with a
// smaller amount, retry later, or give up entirely.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, model.ErrExpired),
		errors.Is(err, model.ErrNotRedeemable),
		errors.Is(err, model.ErrDuplicateRedemption):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrTokenIntegrity),
		errors.Is(err, model.ErrTokenExpired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrConcurrencyConflict),
		errors.Is(err, model.ErrGenerationExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
