// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver is the protocol core of an OAuth 2.0 / OpenID Connect
// authorization server.
//
// The server validates authorization and token requests, issues authorization
// codes, access tokens, refresh tokens and identity tokens, and publishes its
// signing keys. It never touches the wire: endpoints take a parsed
// message.Message and return one, and the host (see server/handlers) turns
// them into HTTP redirects and JSON bodies.
//
// # Extension pipeline
//
// Each protocol step dispatches a notification to the handlers registered in a
// notification.Registry. Handlers may validate, skip or reject the step. A
// rejection aborts the request with the handler's error code. A validation is
// trusted. When no handler decides, the server applies its built-in behavior,
// such as looking the client up in the client store:
//
//	reg, err := notification.NewRegistryBuilder().
//	    OnValidateTokenRequest(notification.TokenRequestValidatorFunc(checkPassword)).
//	    Build()
//	srv, err := authserver.New(ctx, cfg, authserver.WithRegistry(reg))
//
// # Authorization flow
//
//	areq, err := srv.ValidateAuthorizationRequest(ctx, req)
//	// ... host authenticates the user and collects consent ...
//	resp, err := srv.CompleteAuthorization(ctx, areq, ticket.New(ticket.NewPrincipal("alice")))
//	location, err := authserver.RedirectLocation(areq, resp)
//
// Errors that can be reported to the client are *AuthorizationError values;
// any other error must be shown to the user agent instead of redirecting.
//
// # Storage
//
// Clients and consumed authorization codes live in the stores of the storage
// package: in memory by default, or in Redis for multi-replica deployments.
package authserver
