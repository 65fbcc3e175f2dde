package http

import (
	"encoding/json"
	"net/http"

	"github.com/dialogd/dialogd/internal/api/respond"
	"github.com/dialogd/dialogd/internal/router"
)

// MessageHandler exposes the message entry point to the transport layer.
type MessageHandler struct {
	router *router.Router
}

func NewMessageHandler(r *router.Router) *MessageHandler { return &MessageHandler{router: r} }

// HandleMessage accepts one inbound chat message and returns the reply. The
// handler never maps pipeline failures to HTTP errors: a failed turn is a
// 200 with outcome ERROR, matching what the end user sees in chat.
func (h *MessageHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID       string   `json:"userId"`
		SenderName   string   `json:"senderName,omitempty"`
		GroupID      string   `json:"groupId,omitempty"`
		GroupName    string   `json:"groupName,omitempty"`
		Participants []string `json:"participants,omitempty"`
		Text         string   `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if in.UserID == "" {
		respond.WriteError(w, http.StatusBadRequest, "userId is required")
		return
	}
	reply := h.router.HandleMessage(r.Context(), in.UserID, router.Hint{
		GroupID:      in.GroupID,
		GroupName:    in.GroupName,
		SenderName:   in.SenderName,
		Participants: in.Participants,
	}, in.Text)
	respond.WriteJSON(w, http.StatusOK, reply)
}
