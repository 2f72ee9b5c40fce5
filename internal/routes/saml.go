package routes

import (
	"github.com/gorilla/mux"

	"github.com/jbenholt/drupal-samlauth/internal/handlers/auth"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// SetupSAMLRoutes wires the three SP endpoints for every IdP:
//
//	GET  /saml/{idp}              login entry, redirects to the IdP
//	POST /saml/{idp}/consume      assertion consumer service
//	GET  /saml/{idp}/metadata.xml SP metadata document
func SetupSAMLRoutes(router *mux.Router, manager *saml.Manager, audit auth.LoginAuditor) {
	debug.Debug("Setting up SAML routes")

	handler := auth.NewSAMLHandler(manager, audit)

	router.HandleFunc("/saml/{idp}", handler.Login).Methods("GET")
	router.HandleFunc("/saml/{idp}/consume", handler.Consume).Methods("POST")
	router.HandleFunc("/saml/{idp}/metadata.xml", handler.Metadata).Methods("GET")

	debug.Info("Configured SAML endpoints under /saml/{idp}")
}
