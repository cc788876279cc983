// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636).
const (
	PKCEChallengeMethodS256  = "S256"
	PKCEChallengeMethodPlain = "plain"
)

// GeneratePKCEVerifier generates a random 43 character code_verifier per RFC 7636 Section 4.1.
// It panics if the system random source fails.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes BASE64URL(SHA256(code_verifier)) per RFC 7636 Section 4.2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidVerifier reports whether v has the length and alphabet RFC 7636 Section 4.1 requires.
func ValidVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyPKCE checks a code_verifier against the challenge stored with the code.
// An empty method means plain, as in RFC 7636 Section 4.3.
func VerifyPKCE(verifier, challenge, method string) bool {
	if !ValidVerifier(verifier) {
		return false
	}

	var computed string
	switch method {
	case PKCEChallengeMethodS256:
		computed = ComputePKCEChallenge(verifier)
	case PKCEChallengeMethodPlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
