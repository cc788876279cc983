// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/ory/fosite"
)

const schemeHTTP = "http"

// matchRedirectURI reports whether requested is one of the client's registered
// redirect URIs. Registered loopback URIs match any port, per RFC 8252 Section 7.3.
func matchRedirectURI(client fosite.Client, requested string) bool {
	return slices.ContainsFunc(client.GetRedirectURIs(), func(registered string) bool {
		return requested == registered || matchesAsLoopback(requested, registered)
	})
}

// matchesAsLoopback applies the RFC 8252 loopback rules: both URIs use http on the
// same loopback host, path and query are equal, the port is free.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	// 127.0.0.1 and localhost are distinct hosts.
	if !hostnamesMatch(requested.Hostname(), registered.Hostname()) {
		return false
	}
	return requested.Path == registered.Path && requested.RawQuery == registered.RawQuery
}

// IsLoopbackHost reports whether hostname is localhost or a loopback IP address.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}

// validRedirectURI reports whether uri is absolute and carries no fragment (RFC 6749 Section 3.1.2).
func validRedirectURI(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return parsed.IsAbs() && parsed.Fragment == "" && !strings.Contains(uri, "#")
}

// sameResponseType reports whether two space separated response_type values
// name the same set of types, in any order.
func sameResponseType(a, b string) bool {
	x, y := strings.Fields(a), strings.Fields(b)
	if len(x) != len(y) {
		return false
	}
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// clientAllowsResponseType reports whether the client registered the response_type combination.
func clientAllowsResponseType(client fosite.Client, responseType string) bool {
	return slices.ContainsFunc(client.GetResponseTypes(), func(registered string) bool {
		return sameResponseType(registered, responseType)
	})
}
