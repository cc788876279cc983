// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ory/fosite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/notification"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/storage"
	"github.com/stacklok/oidcserver/pkg/authserver/token"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

const instrumentationName = "github.com/stacklok/oidcserver/pkg/authserver"

// Server is the protocol core of the authorization server. It validates
// authorization and token requests, issues tokens and publishes signing keys.
// Transport is the host's concern: every endpoint takes and returns messages.
// A Server is safe for concurrent use.
type Server struct {
	cfg      Config
	registry *notification.Registry
	clients  storage.ClientStore
	replay   storage.ReplayStore
	keys     *keys.Manager
	tokens   *token.Service
	hasher   fosite.Hasher
	now      func() time.Time
	logger   *slog.Logger
	observer func(*EndpointContext)

	tracer   trace.Tracer
	requests metric.Int64Counter

	// owned is closed by Close when the server created its own storage.
	owned io.Closer
}

type options struct {
	registry       *notification.Registry
	clients        storage.ClientStore
	replay         storage.ReplayStore
	keys           *keys.Manager
	now            func() time.Time
	logger         *slog.Logger
	observer       func(*EndpointContext)
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures a Server.
type Option func(*options)

// WithRegistry sets the notification handlers. Without it no handler intervenes.
func WithRegistry(r *notification.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithStorage uses s for both client lookup and replay detection.
func WithStorage(s storage.Storage) Option {
	return func(o *options) {
		o.clients = s
		o.replay = s
	}
}

// WithClientStore sets the store used by the built-in client lookup.
func WithClientStore(s storage.ClientStore) Option {
	return func(o *options) { o.clients = s }
}

// WithReplayStore sets the store that makes authorization codes single-use.
func WithReplayStore(s storage.ReplayStore) Option {
	return func(o *options) { o.replay = s }
}

// WithKeyManager uses km instead of building one from Config.KeyProviders.
func WithKeyManager(km *keys.Manager) Option {
	return func(o *options) { o.keys = km }
}

// WithClock sets the time source of token issuance and validation.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers fn to receive every EndpointContext once its request completes.
func WithObserver(fn func(*EndpointContext)) Option {
	return func(o *options) { o.observer = fn }
}

// WithMeterProvider sets the meter provider for endpoint metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for endpoint spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// New creates a Server. Clients from cfg are registered in the client store.
// When no store is supplied an in-memory store is created and closed by Close.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	o := options{
		now:            time.Now,
		logger:         slog.Default(),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authserver config: %w", err)
	}
	o.logger.Debug("creating authorization server", "issuer", cfg.Issuer)

	s := &Server{
		cfg:      cfg,
		registry: o.registry,
		clients:  o.clients,
		replay:   o.replay,
		keys:     o.keys,
		hasher:   &fosite.BCrypt{Config: &fosite.Config{HashCost: cfg.BCryptCost}},
		now:      o.now,
		logger:   o.logger,
		observer: o.observer,
		tracer:   o.tracerProvider.Tracer(instrumentationName),
	}

	requests, err := o.meterProvider.Meter(instrumentationName).Int64Counter(
		"oidcserver_endpoint_requests",
		metric.WithDescription("Total number of protocol requests by endpoint and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint counter: %w", err)
	}
	s.requests = requests

	if s.keys == nil {
		if s.keys, err = s.buildKeyManager(ctx); err != nil {
			return nil, err
		}
	}

	if s.clients == nil || s.replay == nil {
		mem := storage.NewMemoryStorage(storage.WithClock(s.now))
		if s.clients == nil {
			s.clients = mem
		}
		if s.replay == nil {
			s.replay = mem
		}
		s.owned = mem
	}

	s.tokens, err = token.NewService(token.Config{
		Issuer:                    cfg.Issuer,
		Secret:                    cfg.Secret,
		RotatedSecrets:            cfg.RotatedSecrets,
		AuthorizationCodeLifespan: cfg.AuthorizationCodeLifespan,
		AccessTokenLifespan:       cfg.AccessTokenLifespan,
		RefreshTokenLifespan:      cfg.RefreshTokenLifespan,
		IDTokenLifespan:           cfg.IDTokenLifespan,
		IDTokenSigningAlgorithm:   cfg.IDTokenSigningAlgorithm,
		Now:                       s.now,
	}, s.keys)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	for _, cc := range cfg.Clients {
		client, err := cc.toClient(ctx, s.hasher)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := s.clients.RegisterClient(ctx, client); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to register client %s: %w", cc.ID, err)
		}
	}

	if _, err := s.keys.SigningKeyFor(cfg.IDTokenSigningAlgorithm); err != nil {
		s.logger.Warn("no signing key for the id token algorithm; identity tokens cannot be issued",
			"algorithm", cfg.IDTokenSigningAlgorithm)
	}

	s.logger.Info("authorization server created",
		"issuer", cfg.Issuer,
		"clients", len(cfg.Clients),
		"signingKeys", len(s.keys.Keys()),
	)
	return s, nil
}

func (s *Server) buildKeyManager(ctx context.Context) (*keys.Manager, error) {
	if len(s.cfg.KeyProviders) == 0 {
		return keys.NewManager(nil, keys.WithLogger(s.logger))
	}
	km, err := keys.NewManagerFromProviders(ctx, s.cfg.KeyProviders, keys.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	return km, nil
}

// ReloadKeys asks the configured key providers for a fresh key set and swaps it in atomically.
// In-flight requests keep the set they started with.
func (s *Server) ReloadKeys(ctx context.Context) error {
	if len(s.cfg.KeyProviders) == 0 {
		return errors.New("no key providers configured")
	}
	if err := s.keys.Reload(ctx, s.cfg.KeyProviders...); err != nil {
		return fmt.Errorf("failed to reload signing keys: %w", err)
	}
	return nil
}

// KeyManager returns the signing key manager.
func (s *Server) KeyManager() *keys.Manager {
	return s.keys
}

// Config returns a copy of the server configuration without secrets.
func (s *Server) Config() Config {
	return s.cfg.snapshot()
}

// Health reports whether the client store is reachable, when it can tell.
func (s *Server) Health(ctx context.Context) error {
	if h, ok := s.clients.(interface{ Health(context.Context) error }); ok {
		return h.Health(ctx)
	}
	return nil
}

// Close releases storage created by New.
func (s *Server) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}

// begin starts the handling of one request. The returned context carries the endpoint span.
func (s *Server) begin(ctx context.Context, ep Endpoint, req *message.Message) (context.Context, *EndpointContext) {
	ctx, span := s.tracer.Start(ctx, "oidc.endpoint "+string(ep),
		trace.WithAttributes(attribute.String("oidc.endpoint", string(ep))),
	)
	if req == nil {
		req = message.New()
	}
	ec := &EndpointContext{
		Endpoint:  ep,
		Request:   req,
		Config:    s.cfg.snapshot(),
		StartedAt: s.now(),
		span:      span,
	}
	return ctx, ec
}

// finish records the result of the request handled under ec.
func (s *Server) finish(ctx context.Context, ec *EndpointContext, err error) {
	ec.Err = err
	result := "ok"
	if err != nil {
		result = oidcerrors.Code(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = "cancelled"
		}
		ec.span.RecordError(err)
		ec.span.SetStatus(codes.Error, result)
	}
	ec.span.SetAttributes(attribute.String("oidc.result", result))
	ec.span.End()

	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", string(ec.Endpoint)),
		attribute.String("result", result),
	))

	attrs := []any{
		"endpoint", ec.Endpoint,
		"result", result,
		"duration", s.now().Sub(ec.StartedAt),
		"notifications", len(ec.Notifications),
	}
	if clientID := ec.Request.ClientID(); clientID != "" {
		attrs = append(attrs, "clientID", clientID)
	}
	switch {
	case err == nil:
		s.logger.Debug("request completed", attrs...)
	case oidcerrors.IsConfigurationError(err) || oidcerrors.IsInternal(err):
		s.logger.Error("request failed", append(attrs, "error", err)...)
	default:
		s.logger.Debug("request refused", append(attrs, "error", err)...)
	}

	if s.observer != nil {
		s.observer(ec)
	}
}
