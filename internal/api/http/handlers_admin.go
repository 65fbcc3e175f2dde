package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dialogd/dialogd/internal/abuse"
	"github.com/dialogd/dialogd/internal/api/respond"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/quota"
)

// AdminHandler exposes the ban and quota overrides. These bypass the
// message router's pre-checks and are meant for an operator surface.
type AdminHandler struct {
	guard  *abuse.Guard
	ledger *quota.Ledger
}

func NewAdminHandler(g *abuse.Guard, l *quota.Ledger) *AdminHandler {
	return &AdminHandler{guard: g, ledger: l}
}

func (h *AdminHandler) BanUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID          string `json:"userId"`
		Reason          string `json:"reason,omitempty"`
		Details         string `json:"details,omitempty"`
		DurationSeconds *int   `json:"durationSeconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	reason := model.BanReason(in.Reason)
	if reason == "" {
		reason = model.BanManual
	}
	var dur *time.Duration
	if in.DurationSeconds != nil {
		if *in.DurationSeconds <= 0 {
			respond.WriteError(w, http.StatusBadRequest, "durationSeconds must be positive")
			return
		}
		d := time.Duration(*in.DurationSeconds) * time.Second
		dur = &d
	}
	rec, err := h.guard.BanUser(r.Context(), in.UserID, reason, dur, in.Details)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, rec)
}

func (h *AdminHandler) UnbanUser(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.UnbanUser(r.Context(), mux.Vars(r)["userId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	records, err := h.guard.History(r.Context(), mux.Vars(r)["userId"], 50)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"bans": records})
}

func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := h.ledger.Get(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, q)
}

func (h *AdminHandler) GrantQuota(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	q, err := h.ledger.AddQuota(r.Context(), mux.Vars(r)["userId"], in.Amount)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, q)
}

func (h *AdminHandler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.ResetDaily(r.Context(), mux.Vars(r)["userId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ResetUser(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.ResetUser(r.Context(), mux.Vars(r)["userId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
