// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"

	"github.com/ory/fosite"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/storage"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// ErrorResponse builds the {error, error_description} message for err.
// Causes are never included.
func ErrorResponse(err error) *message.Message {
	m := message.New()
	m.SetErrorCode(oidcerrors.Code(err))
	if desc := oidcerrors.Description(err); desc != "" {
		m.SetErrorDescription(desc)
	}
	var aerr *AuthorizationError
	if errors.As(err, &aerr) && aerr.State != "" {
		m.SetState(aerr.State)
	}
	return m
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, fosite.ErrNotFound)
}
