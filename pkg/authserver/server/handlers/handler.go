// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
	"github.com/stacklok/oidcserver/pkg/logger"
)

// ConsentFunc authenticates the end user and obtains consent for areq.
// It returns the ticket to issue for, or an error to send back to the client;
// a client error (e.g. access_denied) is delivered to the redirect URI. When it
// returns neither, it has written its own response (a login page, a redirect to
// an identity provider) and the request ends there.
type ConsentFunc func(w http.ResponseWriter, r *http.Request, areq *authserver.AuthorizationRequest) (*ticket.Ticket, error)

// Handler exposes an authserver.Server over HTTP.
type Handler struct {
	server  *authserver.Server
	config  authserver.Config
	consent ConsentFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithConsent sets the function that logs the user in at the authorization endpoint.
// Without it every authorization request is answered with access_denied.
func WithConsent(fn ConsentFunc) Option {
	return func(h *Handler) { h.consent = fn }
}

// NewHandler creates a new Handler serving srv.
func NewHandler(srv *authserver.Server, opts ...Option) *Handler {
	h := &Handler{
		server: srv,
		config: srv.Config(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with all OAuth/OIDC endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the authorization and token endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(h.config.AuthorizationPath, h.AuthorizeHandler)
	r.Post(h.config.AuthorizationPath, h.AuthorizeHandler)
	r.Post(h.config.TokenPath, h.TokenHandler)
}

// WellKnownRoutes registers the JWKS and OIDC discovery endpoints on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(h.config.JWKSPath, h.JWKSHandler)
	r.Get(h.config.DiscoveryPath, h.OIDCDiscoveryHandler)
}

// writeJSON writes v as the JSON body of a response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any, headers map[string]string) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes err as an RFC 6749 Section 5.2 error response.
func writeError(w http.ResponseWriter, err error, headers map[string]string) {
	writeJSON(w, oidcerrors.StatusCode(err), authserver.ErrorResponse(err), headers)
}
