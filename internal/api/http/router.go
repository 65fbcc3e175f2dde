// Package http wires the service's HTTP surface: the message entry point,
// context administration, and the ban/quota overrides.
package http

import (
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/abuse"
	"github.com/dialogd/dialogd/internal/api/recovery"
	"github.com/dialogd/dialogd/internal/conversation"
	"github.com/dialogd/dialogd/internal/quota"
	msgrouter "github.com/dialogd/dialogd/internal/router"
	"github.com/dialogd/dialogd/internal/store"
)

// Deps carries the constructed services the HTTP layer exposes.
type Deps struct {
	Store   store.Store
	Manager *conversation.Manager
	Guard   *abuse.Guard
	Ledger  *quota.Ledger
	Router  *msgrouter.Router
	Log     zerolog.Logger
}

// NewRouter builds the full route table.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery.New(d.Log))

	healthHandler := NewHealthHandler(d.Store)
	messageHandler := NewMessageHandler(d.Router)
	contextHandler := NewContextHandler(d.Manager)
	adminHandler := NewAdminHandler(d.Guard, d.Ledger)

	// Health
	r.HandleFunc("/v1/health", healthHandler.CheckHealth).Methods("GET")
	r.HandleFunc("/v1/health/db", healthHandler.CheckStorageHealth).Methods("GET")

	// Message entry point
	r.HandleFunc("/v1/messages", messageHandler.HandleMessage).Methods("POST")

	// Contexts
	r.HandleFunc("/v1/contexts/{contextId}", contextHandler.GetContext).Methods("GET")
	r.HandleFunc("/v1/contexts/{contextId}", contextHandler.TerminateContext).Methods("DELETE")
	r.HandleFunc("/v1/contexts/{contextId}/pause", contextHandler.PauseContext).Methods("POST")
	r.HandleFunc("/v1/contexts/{contextId}/resume", contextHandler.ResumeContext).Methods("POST")

	// Admin: bans
	r.HandleFunc("/v1/admin/bans", adminHandler.BanUser).Methods("POST")
	r.HandleFunc("/v1/admin/bans/{userId}", adminHandler.ListBans).Methods("GET")
	r.HandleFunc("/v1/admin/bans/{userId}", adminHandler.UnbanUser).Methods("DELETE")

	// Admin: quotas
	r.HandleFunc("/v1/admin/quotas/{userId}", adminHandler.GetQuota).Methods("GET")
	r.HandleFunc("/v1/admin/quotas/{userId}/grant", adminHandler.GrantQuota).Methods("POST")
	r.HandleFunc("/v1/admin/quotas/{userId}/reset-daily", adminHandler.ResetDaily).Methods("POST")
	r.HandleFunc("/v1/admin/quotas/{userId}/reset", adminHandler.ResetUser).Methods("POST")

	return r
}
