// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"

	"github.com/stacklok/oidcserver/pkg/logger"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	// This balances caching efficiency with timely key rotation propagation.
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

func cacheHeaders(maxAge int) map[string]string {
	return map[string]string{
		"Cache-Control":          fmt.Sprintf("public, max-age=%d", maxAge),
		"X-Content-Type-Options": "nosniff",
	}
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying identity tokens.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.Keys(r.Context())
	if err != nil {
		logger.Errorw("failed to build key set", "error", err)
		writeError(w, err, map[string]string{"Cache-Control": "no-store"})
		return
	}
	writeJSON(w, http.StatusOK, set, cacheHeaders(DefaultJWKSCacheMaxAge))
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
// It returns the OIDC discovery document describing the authorization server capabilities.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := h.server.Discovery(r.Context())
	if err != nil {
		logger.Errorw("failed to build discovery document", "error", err)
		writeError(w, err, map[string]string{"Cache-Control": "no-store"})
		return
	}
	writeJSON(w, http.StatusOK, doc, cacheHeaders(DefaultDiscoveryCacheMaxAge))
}
