// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notification implements the validating notification pipeline of the
// authorization server.
//
// Every protocol step (client authentication, redirect URI and scope checks,
// token request policy, endpoint responses) builds a typed notification in the
// Pending state and dispatches it through the handlers registered for that step.
// Handlers run sequentially in registration order. Each may Validate, Skip or
// Reject the notification. The first Reject stops the chain.
package notification

import (
	"errors"
	"fmt"

	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// State is the outcome of a notification.
type State int

// Notification states.
const (
	// Pending means no handler has decided yet.
	Pending State = iota
	// Validated means a handler explicitly approved the step.
	Validated
	// Skipped means a handler asked for the built-in default behavior.
	Skipped
	// Rejected means a handler failed the step.
	Rejected
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Validated:
		return "validated"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrIllegalTransition is returned by Validate and Skip when the outcome is no longer Pending.
var ErrIllegalTransition = errors.New("illegal notification state transition")

// Outcome is the tagged state embedded in every notification.
// The zero value is Pending.
type Outcome struct {
	state       State
	code        string
	description string
}

// Validate marks the step as explicitly approved. Only legal from Pending.
func (o *Outcome) Validate() error {
	return o.transition(Validated)
}

// Skip asks for the built-in default behavior. Only legal from Pending.
func (o *Outcome) Skip() error {
	return o.transition(Skipped)
}

func (o *Outcome) transition(to State) error {
	if o.state != Pending {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.state, to)
	}
	o.state = to
	return nil
}

// Reject fails the step. Legal from any state, including after Validate or Skip.
// An empty code becomes invalid_request.
func (o *Outcome) Reject(code, description string) {
	if code == "" {
		code = oidcerrors.CodeInvalidRequest
	}
	o.state = Rejected
	o.code = code
	o.description = description
}

// State returns the current state.
func (o *Outcome) State() State { return o.state }

// IsPending reports whether no handler has decided yet.
func (o *Outcome) IsPending() bool { return o.state == Pending }

// IsValidated reports whether a handler explicitly approved the step.
func (o *Outcome) IsValidated() bool { return o.state == Validated }

// IsSkipped reports whether a handler asked for the default behavior.
func (o *Outcome) IsSkipped() bool { return o.state == Skipped }

// IsRejected reports whether a handler failed the step.
func (o *Outcome) IsRejected() bool { return o.state == Rejected }

// Code returns the rejection error code, or "" when not rejected.
func (o *Outcome) Code() string { return o.code }

// Description returns the rejection error description.
func (o *Outcome) Description() string { return o.description }

// Err returns the rejection as a HandlerRejection error, or nil when not rejected.
func (o *Outcome) Err() error {
	if o.state != Rejected {
		return nil
	}
	return oidcerrors.NewHandlerRejection(o.code, o.description)
}

func (o *Outcome) outcome() *Outcome { return o }
