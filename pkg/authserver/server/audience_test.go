// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

func TestValidateAudienceURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resource string
		wantErr  bool
	}{
		{"empty", "", false},
		{"https", "https://api.example.com", false},
		{"http with path", "http://localhost:8080/mcp", false},
		{"relative", "/api", true},
		{"no host", "https://", true},
		{"fragment", "https://api.example.com#frag", true},
		{"urn", "urn:example:resource", true},
		{"ftp", "ftp://files.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateAudienceURI(tt.resource)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, CodeInvalidTarget, oidcerrors.Code(err))
			assert.True(t, oidcerrors.IsClientError(err))
		})
	}
}

func TestValidateAudienceAllowed(t *testing.T) {
	t.Parallel()

	allowed := []string{"https://api.example.com", "https://other.example.com/v1"}

	require.NoError(t, ValidateAudienceAllowed("", allowed))
	require.NoError(t, ValidateAudienceAllowed("https://api.example.com", allowed))
	require.NoError(t, ValidateAudienceAllowed("https://other.example.com/v1", allowed))

	for _, resource := range []string{
		"https://api.example.com/",
		"https://API.example.com",
		"https://evil.example.com",
		"not a uri",
	} {
		err := ValidateAudienceAllowed(resource, allowed)
		require.Error(t, err, resource)
		assert.Equal(t, CodeInvalidTarget, oidcerrors.Code(err), resource)
	}

	require.Error(t, ValidateAudienceAllowed("https://api.example.com", nil))
}
