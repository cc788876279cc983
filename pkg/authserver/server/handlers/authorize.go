// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
	"github.com/stacklok/oidcserver/pkg/logger"
)

// maxFormBytes bounds request bodies read by the endpoints.
const maxFormBytes = 64 << 10

const codeAccessDenied = "access_denied"

// AuthorizeHandler handles GET and POST /oauth/authorize requests.
// Errors that cannot be trusted to reach the client are answered directly;
// all others are redirected to the validated redirect URI.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := readRequest(w, r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	areq, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	t, err := h.login(w, r, areq)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}
	if t == nil {
		return
	}

	resp, err := h.server.CompleteAuthorization(ctx, areq, t)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	location, err := authserver.RedirectLocation(areq, resp)
	if err != nil {
		logger.Errorw("failed to build authorization response redirect", "error", err)
		writeError(w, oidcerrors.NewInternalError("The authorization response could not be built.", err), nil)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// login runs the consent function. Client errors it returns are delivered to the client.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, areq *authserver.AuthorizationRequest) (*ticket.Ticket, error) {
	redirect := func(err error) error {
		return &authserver.AuthorizationError{
			Err:          err,
			RedirectURI:  areq.RedirectURI,
			ResponseMode: areq.ResponseMode,
			State:        areq.State,
		}
	}

	if h.consent == nil {
		return nil, redirect(oidcerrors.NewClientError(codeAccessDenied, "The authorization server has no way to authenticate the user.", nil))
	}
	t, err := h.consent(w, r, areq)
	switch {
	case err == nil:
		return t, nil
	case oidcerrors.IsClientError(err) || oidcerrors.IsHandlerRejection(err):
		return nil, redirect(err)
	default:
		return nil, err
	}
}

func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		logger.Debugw("authorization request abandoned", "error", err)
		return
	}

	var aerr *authserver.AuthorizationError
	if errors.As(err, &aerr) {
		location, lerr := aerr.Location()
		if lerr == nil {
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
		logger.Errorw("failed to build authorization error redirect", "error", lerr)
	}
	writeError(w, err, nil)
}

// readRequest parses the query of a GET request or the form body of a POST request.
// Repeated parameters are refused (RFC 6749 Section 3.1).
func readRequest(w http.ResponseWriter, r *http.Request) (*message.Message, error) {
	if r.Method == http.MethodGet {
		return parseParameters(r.URL.RawQuery)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return nil, oidcerrors.NewInvalidRequestError("The 'Content-Type' header must be 'application/x-www-form-urlencoded'.")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err != nil {
		return nil, oidcerrors.NewInvalidRequestError("The request body could not be read.")
	}
	return parseParameters(string(body))
}

func parseParameters(raw string) (*message.Message, error) {
	m, err := message.ParseForm(raw)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, message.ErrDuplicateParameter):
		return nil, oidcerrors.NewInvalidRequestError("Request parameters must not be included more than once.")
	default:
		return nil, oidcerrors.NewInvalidRequestError("The request parameters are malformed.")
	}
}
