// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ticket defines the authentication ticket: the authenticated
// principal plus the authorization properties that are sealed into codes and
// tokens and recovered when they are redeemed.
package ticket

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// Claim types used by the server itself.
const (
	ClaimSubject = "sub"
	ClaimName    = "name"
	ClaimEmail   = "email"
)

// Claim destinations.
const (
	DestinationIDToken     = "id_token"
	DestinationAccessToken = "access_token"
)

// Property keys carried in Properties.
const (
	PropertyIssued              = ".issued"
	PropertyExpires             = ".expires"
	PropertyRedirectURI         = ".redirect"
	PropertyClientID            = ".client_id"
	PropertyScope               = ".scope"
	PropertyNonce               = ".nonce"
	PropertyCodeChallenge       = ".code_challenge"
	PropertyCodeChallengeMethod = ".code_challenge_method"
	PropertyAudience            = ".audience"
	PropertyResource            = ".resource"
)

// Claim is a single statement about the principal.
type Claim struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Issuer string `json:"issuer,omitempty"`
	// Destinations lists the tokens the claim may be copied into.
	// An empty list means the claim stays inside the sealed ticket.
	Destinations []string `json:"destinations,omitempty"`
}

// HasDestination reports whether the claim may be emitted into the given token.
func (c Claim) HasDestination(destination string) bool {
	return slices.Contains(c.Destinations, destination)
}

// Principal is the authenticated identity: an ordered list of claims.
type Principal struct {
	Claims []Claim `json:"claims"`
}

// NewPrincipal returns a principal with the given subject claim, destined for every token.
func NewPrincipal(subject string) Principal {
	return Principal{Claims: []Claim{{
		Type:         ClaimSubject,
		Value:        subject,
		Destinations: []string{DestinationIDToken, DestinationAccessToken},
	}}}
}

// Subject returns the value of the first sub claim.
func (p Principal) Subject() string {
	c, _ := p.FindFirst(ClaimSubject)
	return c.Value
}

// FindFirst returns the first claim of the given type.
func (p Principal) FindFirst(claimType string) (Claim, bool) {
	for _, c := range p.Claims {
		if c.Type == claimType {
			return c, true
		}
	}
	return Claim{}, false
}

// FindAll returns every claim of the given type.
func (p Principal) FindAll(claimType string) []Claim {
	var out []Claim
	for _, c := range p.Claims {
		if c.Type == claimType {
			out = append(out, c)
		}
	}
	return out
}

// Add appends a claim.
func (p *Principal) Add(c Claim) {
	p.Claims = append(p.Claims, c)
}

// Clone returns a deep copy of the principal.
func (p Principal) Clone() Principal {
	out := Principal{Claims: make([]Claim, len(p.Claims))}
	for i, c := range p.Claims {
		c.Destinations = slices.Clone(c.Destinations)
		out.Claims[i] = c
	}
	return out
}

// Properties carries the authorization context of a ticket.
type Properties map[string]string

// Copy returns an independent copy of the properties.
func (p Properties) Copy() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the value stored under key.
func (p Properties) Get(key string) string {
	return p[key]
}

// Set stores value under key. An empty value deletes the key.
func (p Properties) Set(key, value string) {
	if value == "" {
		delete(p, key)
		return
	}
	p[key] = value
}

// IssuedAt returns the issue instant, if recorded.
func (p Properties) IssuedAt() (time.Time, bool) {
	return p.time(PropertyIssued)
}

// SetIssuedAt records the issue instant.
func (p Properties) SetIssuedAt(t time.Time) {
	p.setTime(PropertyIssued, t)
}

// ExpiresAt returns the expiry instant, if recorded.
func (p Properties) ExpiresAt() (time.Time, bool) {
	return p.time(PropertyExpires)
}

// SetExpiresAt records the expiry instant.
func (p Properties) SetExpiresAt(t time.Time) {
	p.setTime(PropertyExpires, t)
}

// RedirectURI returns the redirect URI the ticket was issued for.
func (p Properties) RedirectURI() string { return p[PropertyRedirectURI] }

// ClientID returns the client the ticket was issued to.
func (p Properties) ClientID() string { return p[PropertyClientID] }

// Nonce returns the OpenID Connect nonce of the original request.
func (p Properties) Nonce() string { return p[PropertyNonce] }

// Scopes returns the granted scopes.
func (p Properties) Scopes() []string { return strings.Fields(p[PropertyScope]) }

// SetScopes records the granted scopes.
func (p Properties) SetScopes(scopes []string) { p.Set(PropertyScope, strings.Join(scopes, " ")) }

// HasScope reports whether the granted scopes contain s.
func (p Properties) HasScope(s string) bool { return slices.Contains(p.Scopes(), s) }

// Audiences returns the audiences of the ticket.
func (p Properties) Audiences() []string { return strings.Fields(p[PropertyAudience]) }

func (p Properties) time(key string) (time.Time, bool) {
	v, ok := p[key]
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

func (p Properties) setTime(key string, t time.Time) {
	p[key] = strconv.FormatInt(t.Unix(), 10)
}

// Ticket pairs a principal with its authorization properties.
type Ticket struct {
	Principal  Principal  `json:"principal"`
	Properties Properties `json:"properties"`
}

// New returns a ticket for the principal with empty properties.
func New(p Principal) *Ticket {
	return &Ticket{Principal: p, Properties: Properties{}}
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	return &Ticket{
		Principal:  t.Principal.Clone(),
		Properties: t.Properties.Copy(),
	}
}
