// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"slices"
	"strings"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// TrustedHeaderConsent returns a ConsentFunc taking the subject from the request
// header subjectHeader and, when set, the email from emailHeader. It must only be
// used behind a proxy that authenticates users and strips these headers from
// client requests. A request without the subject header is denied.
func TrustedHeaderConsent(subjectHeader, emailHeader string) ConsentFunc {
	return func(_ http.ResponseWriter, r *http.Request, areq *authserver.AuthorizationRequest) (*ticket.Ticket, error) {
		subject := strings.TrimSpace(r.Header.Get(subjectHeader))
		if subject == "" {
			return nil, oidcerrors.NewClientError(codeAccessDenied, "The user is not authenticated.", nil)
		}

		p := ticket.NewPrincipal(subject)
		if emailHeader != "" && slices.Contains(areq.Scopes, ticket.ClaimEmail) {
			if email := strings.TrimSpace(r.Header.Get(emailHeader)); email != "" {
				p.Add(ticket.Claim{
					Type:         ticket.ClaimEmail,
					Value:        email,
					Destinations: []string{ticket.DestinationAccessToken, ticket.DestinationIDToken},
				})
			}
		}
		return ticket.New(p), nil
	}
}
