// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server holds the protocol building blocks shared by the endpoint logic:
// signing key material (crypto, keys) and resource indicator validation.
package server

import (
	"net/url"
	"slices"

	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// CodeInvalidTarget is the RFC 8707 error code for a refused resource parameter.
const CodeInvalidTarget = "invalid_target"

const invalidTargetDescription = "The requested resource is invalid, unknown, or malformed."

// ValidateAudienceURI validates that a resource URI conforms to RFC 8707 Section 2:
// absolute, http or https, with a host and without a fragment.
// An empty resource is valid and means no audience binding was requested.
func ValidateAudienceURI(resource string) error {
	if resource == "" {
		return nil
	}

	parsed, err := url.Parse(resource)
	if err != nil {
		return oidcerrors.NewClientError(CodeInvalidTarget, invalidTargetDescription, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" || parsed.Fragment != "" {
		return oidcerrors.NewClientError(CodeInvalidTarget, invalidTargetDescription, nil)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return oidcerrors.NewClientError(CodeInvalidTarget, invalidTargetDescription, nil)
	}
	return nil
}

// ValidateAudienceAllowed checks a well formed resource against the allowed audiences.
// Comparison is exact: no prefix or normalization matching.
func ValidateAudienceAllowed(resource string, allowed []string) error {
	if resource == "" {
		return nil
	}
	if err := ValidateAudienceURI(resource); err != nil {
		return err
	}
	if !slices.Contains(allowed, resource) {
		return oidcerrors.NewClientError(CodeInvalidTarget, invalidTargetDescription, nil)
	}
	return nil
}
