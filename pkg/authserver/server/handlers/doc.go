// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides HTTP handlers for the OAuth 2.0 / OpenID Connect endpoints
// of an authserver.Server.
//
// This package is the HTTP layer only: it parses requests into messages, hands them
// to the protocol core and renders the results. It serves:
//   - the authorization endpoint (GET and POST), with a host supplied ConsentFunc
//     that authenticates the user
//   - the token endpoint, with client_secret_post and client_secret_basic
//   - the JWKS endpoint (/.well-known/jwks.json)
//   - the OIDC Discovery endpoint (/.well-known/openid-configuration)
//
// Paths follow the server's configuration.
package handlers
