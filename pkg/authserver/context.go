// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/notification"
)

// Endpoint identifies the protocol endpoint handling a request.
type Endpoint string

// Endpoints.
const (
	EndpointAuthorization Endpoint = "authorization"
	EndpointToken         Endpoint = "token"
	EndpointKeys          Endpoint = "keys"
	EndpointDiscovery     Endpoint = "discovery"
)

// EndpointContext is the state of one protocol request. It is created when the
// request enters an endpoint, passed explicitly through every step and handed
// to the observer when the request completes. It is never shared between requests.
type EndpointContext struct {
	Endpoint Endpoint

	// Request is the server's own copy of the inbound message. Handlers write through to it.
	Request *message.Message

	// Response is the outbound message, nil until one is built.
	Response *message.Message

	// Config is the server configuration at request entry, without secrets.
	Config Config

	// Notifications dispatched for this request, in order.
	Notifications []notification.Notification

	StartedAt time.Time

	// Err is the error the request ended with, set on completion.
	Err error

	span trace.Span
}

// record appends n to the dispatched notifications.
func (ec *EndpointContext) record(n notification.Notification) {
	ec.Notifications = append(ec.Notifications, n)
}
