// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package notification

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

const instrumentationName = "github.com/stacklok/oidcserver/pkg/authserver/notification"

// HandlerFailedDescription is the error_description of a step rejected because a handler returned an error.
const HandlerFailedDescription = "A notification handler failed to process the request."

var (
	attrStep     = attribute.Key("oidc.notification.step")
	attrOutcome  = attribute.Key("oidc.notification.outcome")
	attrHandlers = attribute.Key("oidc.notification.handlers")
)

// Registry holds the handlers of every step. It is immutable once built and
// safe for concurrent use. A nil *Registry dispatches to no handlers.
type Registry struct {
	clientAuthentication []ClientAuthenticationValidator
	redirectURI          []RedirectURIValidator
	scopes               []ScopeValidator
	tokenRequest         []TokenRequestValidator
	authorizationResp    []AuthorizationResponseHandler
	tokenResp            []TokenResponseHandler
	keysResp             []KeysResponseHandler

	tracer        trace.Tracer
	notifications metric.Int64Counter
	logger        *slog.Logger
}

// Option configures a RegistryBuilder.
type Option func(*RegistryBuilder)

// WithMeterProvider sets the meter provider for dispatch counters. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *RegistryBuilder) { b.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for dispatch spans. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *RegistryBuilder) { b.tracerProvider = tp }
}

// WithLogger sets the logger for dispatch decisions. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *RegistryBuilder) { b.logger = l }
}

// RegistryBuilder collects handlers at server configuration time.
// Handlers of a step run in the order they were added.
type RegistryBuilder struct {
	reg Registry

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	logger         *slog.Logger
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder(opts ...Option) *RegistryBuilder {
	b := &RegistryBuilder{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnValidateClientAuthentication appends handlers for StepClientAuthentication.
func (b *RegistryBuilder) OnValidateClientAuthentication(h ...ClientAuthenticationValidator) *RegistryBuilder {
	b.reg.clientAuthentication = append(b.reg.clientAuthentication, h...)
	return b
}

// OnValidateClientRedirectURI appends handlers for StepClientRedirectURI.
func (b *RegistryBuilder) OnValidateClientRedirectURI(h ...RedirectURIValidator) *RegistryBuilder {
	b.reg.redirectURI = append(b.reg.redirectURI, h...)
	return b
}

// OnValidateScopes appends handlers for StepScopes.
func (b *RegistryBuilder) OnValidateScopes(h ...ScopeValidator) *RegistryBuilder {
	b.reg.scopes = append(b.reg.scopes, h...)
	return b
}

// OnValidateTokenRequest appends handlers for StepTokenRequest.
func (b *RegistryBuilder) OnValidateTokenRequest(h ...TokenRequestValidator) *RegistryBuilder {
	b.reg.tokenRequest = append(b.reg.tokenRequest, h...)
	return b
}

// OnAuthorizationEndpointResponse appends handlers for StepAuthorizationEndpointResponse.
func (b *RegistryBuilder) OnAuthorizationEndpointResponse(h ...AuthorizationResponseHandler) *RegistryBuilder {
	b.reg.authorizationResp = append(b.reg.authorizationResp, h...)
	return b
}

// OnTokenEndpointResponse appends handlers for StepTokenEndpointResponse.
func (b *RegistryBuilder) OnTokenEndpointResponse(h ...TokenResponseHandler) *RegistryBuilder {
	b.reg.tokenResp = append(b.reg.tokenResp, h...)
	return b
}

// OnKeysEndpointResponse appends handlers for StepKeysEndpointResponse.
func (b *RegistryBuilder) OnKeysEndpointResponse(h ...KeysResponseHandler) *RegistryBuilder {
	b.reg.keysResp = append(b.reg.keysResp, h...)
	return b
}

// Register adds h to every step whose handler interface it implements.
// It fails when h implements none of them.
func (b *RegistryBuilder) Register(h any) error {
	matched := false
	if v, ok := h.(ClientAuthenticationValidator); ok {
		b.OnValidateClientAuthentication(v)
		matched = true
	}
	if v, ok := h.(RedirectURIValidator); ok {
		b.OnValidateClientRedirectURI(v)
		matched = true
	}
	if v, ok := h.(ScopeValidator); ok {
		b.OnValidateScopes(v)
		matched = true
	}
	if v, ok := h.(TokenRequestValidator); ok {
		b.OnValidateTokenRequest(v)
		matched = true
	}
	if v, ok := h.(AuthorizationResponseHandler); ok {
		b.OnAuthorizationEndpointResponse(v)
		matched = true
	}
	if v, ok := h.(TokenResponseHandler); ok {
		b.OnTokenEndpointResponse(v)
		matched = true
	}
	if v, ok := h.(KeysResponseHandler); ok {
		b.OnKeysEndpointResponse(v)
		matched = true
	}
	if !matched {
		return fmt.Errorf("%T does not implement any notification handler interface", h)
	}
	return nil
}

// Build returns an immutable registry. Later changes to the builder do not affect it.
func (b *RegistryBuilder) Build() (*Registry, error) {
	mp := b.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := b.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	counter, err := mp.Meter(instrumentationName).Int64Counter(
		"oidcserver_notifications",
		metric.WithDescription("Number of dispatched notifications by step and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	return &Registry{
		clientAuthentication: clone(b.reg.clientAuthentication),
		redirectURI:          clone(b.reg.redirectURI),
		scopes:               clone(b.reg.scopes),
		tokenRequest:         clone(b.reg.tokenRequest),
		authorizationResp:    clone(b.reg.authorizationResp),
		tokenResp:            clone(b.reg.tokenResp),
		keysResp:             clone(b.reg.keysResp),
		tracer:               tp.Tracer(instrumentationName),
		notifications:        counter,
		logger:               logger,
	}, nil
}

func clone[T any](s []T) []T {
	return append([]T(nil), s...)
}

// ValidateClientAuthentication dispatches n to the StepClientAuthentication handlers.
func (r *Registry) ValidateClientAuthentication(ctx context.Context, n *ValidateClientAuthentication) error {
	var hs []ClientAuthenticationValidator
	if r != nil {
		hs = r.clientAuthentication
	}
	return dispatch(ctx, r, StepClientAuthentication, n, hs, ClientAuthenticationValidator.ValidateClientAuthentication)
}

// ValidateClientRedirectURI dispatches n to the StepClientRedirectURI handlers.
func (r *Registry) ValidateClientRedirectURI(ctx context.Context, n *ValidateClientRedirectURI) error {
	var hs []RedirectURIValidator
	if r != nil {
		hs = r.redirectURI
	}
	return dispatch(ctx, r, StepClientRedirectURI, n, hs, RedirectURIValidator.ValidateClientRedirectURI)
}

// ValidateScopes dispatches n to the StepScopes handlers.
func (r *Registry) ValidateScopes(ctx context.Context, n *ValidateScopes) error {
	var hs []ScopeValidator
	if r != nil {
		hs = r.scopes
	}
	return dispatch(ctx, r, StepScopes, n, hs, ScopeValidator.ValidateScopes)
}

// ValidateTokenRequest dispatches n to the StepTokenRequest handlers.
func (r *Registry) ValidateTokenRequest(ctx context.Context, n *ValidateTokenRequest) error {
	var hs []TokenRequestValidator
	if r != nil {
		hs = r.tokenRequest
	}
	return dispatch(ctx, r, StepTokenRequest, n, hs, TokenRequestValidator.ValidateTokenRequest)
}

// AuthorizationEndpointResponse dispatches n to the StepAuthorizationEndpointResponse handlers.
func (r *Registry) AuthorizationEndpointResponse(ctx context.Context, n *AuthorizationEndpointResponse) error {
	var hs []AuthorizationResponseHandler
	if r != nil {
		hs = r.authorizationResp
	}
	return dispatch(ctx, r, StepAuthorizationEndpointResponse, n, hs,
		AuthorizationResponseHandler.AuthorizationEndpointResponse)
}

// TokenEndpointResponse dispatches n to the StepTokenEndpointResponse handlers.
func (r *Registry) TokenEndpointResponse(ctx context.Context, n *TokenEndpointResponse) error {
	var hs []TokenResponseHandler
	if r != nil {
		hs = r.tokenResp
	}
	return dispatch(ctx, r, StepTokenEndpointResponse, n, hs, TokenResponseHandler.TokenEndpointResponse)
}

// KeysEndpointResponse dispatches n to the StepKeysEndpointResponse handlers.
func (r *Registry) KeysEndpointResponse(ctx context.Context, n *KeysEndpointResponse) error {
	var hs []KeysResponseHandler
	if r != nil {
		hs = r.keysResp
	}
	return dispatch(ctx, r, StepKeysEndpointResponse, n, hs, KeysResponseHandler.KeysEndpointResponse)
}

// dispatch runs handlers in order on the caller goroutine and stops at the first
// rejection. It returns an error only when ctx is done; the handlers' verdict is
// left on n. A handler error rejects n with server_error.
func dispatch[N Notification, H any](
	ctx context.Context,
	r *Registry,
	step Step,
	n N,
	handlers []H,
	call func(H, context.Context, N) error,
) (err error) {
	if r != nil && r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "oidc.notification "+string(step),
			trace.WithAttributes(attrStep.String(string(step)), attrHandlers.Int(len(handlers))))
		defer func() {
			span.SetAttributes(attrOutcome.String(n.State().String()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			r.notifications.Add(ctx, 1, metric.WithAttributes(
				attrStep.String(string(step)),
				attrOutcome.String(n.State().String()),
			))
		}()
	}

	for i, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if herr := call(h, ctx, n); herr != nil {
			r.log().WarnContext(ctx, "notification handler failed",
				"step", step, "handler", i, "error", herr)
			n.Reject(oidcerrors.CodeServerError, HandlerFailedDescription)
		}
		if n.outcome().IsRejected() {
			r.log().DebugContext(ctx, "notification rejected",
				"step", step, "handler", i, "code", n.outcome().Code())
			break
		}
	}
	return ctx.Err()
}

func (r *Registry) log() *slog.Logger {
	if r == nil || r.logger == nil {
		return slog.Default()
	}
	return r.logger
}
