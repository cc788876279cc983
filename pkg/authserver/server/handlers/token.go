// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
	"github.com/stacklok/oidcserver/pkg/logger"
)

// TokenHandler handles POST /oauth/token requests.
// Client credentials are accepted in the form body or with HTTP Basic
// authentication (RFC 6749 Section 2.3.1), but not both.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	headers := map[string]string{
		"Cache-Control": "no-store",
		"Pragma":        "no-cache",
	}

	req, err := readRequest(w, r)
	if err != nil {
		writeError(w, err, headers)
		return
	}

	usedBasic, err := applyBasicAuth(r, req)
	if err != nil {
		writeError(w, err, headers)
		return
	}

	resp, err := h.server.Token(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debugw("token request abandoned", "error", err)
			return
		}
		if usedBasic && oidcerrors.Code(err) == oidcerrors.CodeInvalidClient {
			headers["WWW-Authenticate"] = fmt.Sprintf("Basic realm=%q", h.config.Issuer)
		}
		writeError(w, err, headers)
		return
	}

	writeJSON(w, http.StatusOK, resp, headers)
}

// applyBasicAuth copies HTTP Basic client credentials into req. The credentials
// are form-urlencoded before being base64 encoded, so they are decoded here.
func applyBasicAuth(r *http.Request, req *message.Message) (bool, error) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return false, nil
	}
	if req.Has(message.ParamClientSecret) {
		return false, oidcerrors.NewInvalidRequestError("Clients must not use more than one authentication method.")
	}

	id, err := url.QueryUnescape(id)
	if err != nil {
		return false, oidcerrors.NewInvalidClientError("The client credentials are malformed.", err)
	}
	secret, err = url.QueryUnescape(secret)
	if err != nil {
		return false, oidcerrors.NewInvalidClientError("The client credentials are malformed.", err)
	}
	if body := req.ClientID(); body != "" && body != id {
		return false, oidcerrors.NewInvalidRequestError("The 'client_id' parameter does not match the authenticated client.")
	}

	req.SetClientID(id)
	req.SetClientSecret(secret)
	return true, nil
}
