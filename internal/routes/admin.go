package routes

import (
	"github.com/gorilla/mux"

	"github.com/jbenholt/drupal-samlauth/internal/handlers/admin"
	"github.com/jbenholt/drupal-samlauth/internal/middleware"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/internal/session"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// SetupAdminRoutes wires the IdP settings administration API. Every route
// requires a SAML-authenticated session.
//
//	GET    /api/admin/idp        list configured IdPs
//	GET    /api/admin/idp/{idp}  stored settings (key redacted)
//	PUT    /api/admin/idp/{idp}  upsert settings, reload the client
//	DELETE /api/admin/idp/{idp}  drop settings, reload the client
func SetupAdminRoutes(router *mux.Router, store admin.SettingsStore, manager *saml.Manager, enc *saml.EncryptionService, sessions session.Store) {
	debug.Debug("Setting up admin routes")

	handler := admin.NewIdPSettingsHandler(store, manager, enc)

	api := router.PathPrefix("/api/admin").Subrouter()
	api.Use(middleware.RequireSession(sessions))

	api.HandleFunc("/idp", handler.ListIdPs).Methods("GET")
	api.HandleFunc("/idp/{idp}", handler.GetIdPSettings).Methods("GET")
	api.HandleFunc("/idp/{idp}", handler.UpdateIdPSettings).Methods("PUT")
	api.HandleFunc("/idp/{idp}", handler.DeleteIdPSettings).Methods("DELETE")

	debug.Info("Configured admin endpoints under /api/admin")
}
