package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dialogd/dialogd/internal/api/respond"
	"github.com/dialogd/dialogd/internal/conversation"
)

// ContextHandler exposes read and admin operations on conversations.
type ContextHandler struct {
	manager *conversation.Manager
}

func NewContextHandler(m *conversation.Manager) *ContextHandler {
	return &ContextHandler{manager: m}
}

func (h *ContextHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.GetContext(r.Context(), mux.Vars(r)["contextId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, c)
}

// TerminateContext is the admin-side context termination, bypassing the
// message router's pre-checks.
func (h *ContextHandler) TerminateContext(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Terminate(r.Context(), mux.Vars(r)["contextId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ContextHandler) PauseContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.Pause(r.Context(), mux.Vars(r)["contextId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, c)
}

func (h *ContextHandler) ResumeContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.Resume(r.Context(), mux.Vars(r)["contextId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, c)
}
