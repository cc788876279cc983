// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy of the authorization server and
// its mapping onto OAuth 2.0 error responses (RFC 6749 section 5.2).
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ory/fosite"
)

// Error types
const (
	// ErrClient is returned when the request is malformed or the client is not allowed to make it
	ErrClient = "client"

	// ErrGrant is returned when a code, refresh token or other grant cannot be redeemed
	ErrGrant = "grant"

	// ErrConfiguration is returned when the server cannot honor a request because of its own setup
	ErrConfiguration = "configuration"

	// ErrHandlerRejection is returned when a notification handler rejected the request
	ErrHandlerRejection = "handler_rejection"

	// ErrInternal is returned when a backing store or other dependency failed
	ErrInternal = "internal"
)

// OAuth 2.0 error codes emitted by the server.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeServerError          = "server_error"
)

// InvalidGrantDescription is the only description ever attached to invalid_grant.
// Every grant failure shares it so that callers cannot tell an expired code from
// a forged, replayed or misbound one.
const InvalidGrantDescription = "The provided authorization grant is invalid, expired, revoked or was issued to another client."

// Error represents an error in the authorization server
type Error struct {
	// Type is the error type
	Type string

	// Code is the OAuth 2.0 error code sent to the client
	Code string

	// Description is the human readable error_description sent to the client
	Description string

	// Cause is the underlying error. It is never sent to the client.
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %s", e.Type, e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Code, e.Description)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, code, description string, cause error) *Error {
	return &Error{
		Type:        errorType,
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// NewClientError creates a new client error with the given OAuth 2.0 code
func NewClientError(code, description string, cause error) *Error {
	return NewError(ErrClient, code, description, cause)
}

// NewInvalidRequestError creates a new client error with the invalid_request code
func NewInvalidRequestError(description string) *Error {
	return NewClientError(CodeInvalidRequest, description, nil)
}

// NewInvalidClientError creates a new client error with the invalid_client code
func NewInvalidClientError(description string, cause error) *Error {
	return NewClientError(CodeInvalidClient, description, cause)
}

// NewGrantError creates a new invalid_grant error. The description is fixed.
func NewGrantError(cause error) *Error {
	return NewError(ErrGrant, CodeInvalidGrant, InvalidGrantDescription, cause)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(description string, cause error) *Error {
	return NewError(ErrConfiguration, CodeServerError, description, cause)
}

// NewHandlerRejection creates a new error carrying a handler supplied code and description.
// An empty code defaults to invalid_request.
func NewHandlerRejection(code, description string) *Error {
	if code == "" {
		code = CodeInvalidRequest
	}
	return NewError(ErrHandlerRejection, code, description, nil)
}

// NewInternalError creates a new internal error
func NewInternalError(description string, cause error) *Error {
	return NewError(ErrInternal, CodeServerError, description, cause)
}

// IsClientError checks if the error is a client error
func IsClientError(err error) bool {
	return isType(err, ErrClient)
}

// IsGrantError checks if the error is a grant error
func IsGrantError(err error) bool {
	return isType(err, ErrGrant)
}

// IsConfigurationError checks if the error is a configuration error
func IsConfigurationError(err error) bool {
	return isType(err, ErrConfiguration)
}

// IsHandlerRejection checks if the error is a handler rejection
func IsHandlerRejection(err error) bool {
	return isType(err, ErrHandlerRejection)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// Code returns the OAuth 2.0 error code for err. Errors outside the taxonomy map to server_error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerError
}

// Description returns the error_description for err. Causes are never exposed.
func Description(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return "The authorization server encountered an unexpected condition."
}

// ToRFC6749 converts err into a fosite error carrying the code, description and HTTP status.
func ToRFC6749(err error) *fosite.RFC6749Error {
	var e *Error
	if !errors.As(err, &e) {
		return fosite.ErrServerError.WithDescription(Description(err))
	}

	var proto *fosite.RFC6749Error
	switch e.Code {
	case CodeInvalidRequest:
		proto = fosite.ErrInvalidRequest
	case CodeInvalidClient:
		proto = fosite.ErrInvalidClient
	case CodeInvalidGrant:
		proto = fosite.ErrInvalidGrant
	case CodeUnauthorizedClient:
		proto = fosite.ErrUnauthorizedClient
	case CodeUnsupportedGrantType:
		proto = fosite.ErrUnsupportedGrantType
	case CodeInvalidScope:
		proto = fosite.ErrInvalidScope
	case CodeServerError:
		proto = fosite.ErrServerError
	default:
		// Handler rejections may carry codes fosite does not know about.
		return &fosite.RFC6749Error{
			ErrorField:       e.Code,
			DescriptionField: e.Description,
			CodeField:        http.StatusBadRequest,
		}
	}
	return proto.WithDescription(e.Description)
}

// StatusCode returns the HTTP status an endpoint should answer err with.
func StatusCode(err error) int {
	return ToRFC6749(err).CodeField
}
