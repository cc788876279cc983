// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/oidcserver/pkg/telemetry/providers/prometheus"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the service name for telemetry
	ServiceName string `json:"serviceName" yaml:"service_name"`

	// ServiceVersion is the service version for telemetry
	ServiceVersion string `json:"serviceVersion" yaml:"service_version"`

	// EnablePrometheusMetricsPath controls whether to expose Prometheus-style /metrics endpoint
	EnablePrometheusMetricsPath bool `json:"enablePrometheusMetricsPath" yaml:"enable_prometheus_metrics_path"`

	// IncludeRuntimeMetrics adds Go runtime and process metrics to /metrics
	IncludeRuntimeMetrics bool `json:"includeRuntimeMetrics" yaml:"include_runtime_metrics"`

	// CustomAttributes are added to the telemetry resource. service.name and
	// service.version are reserved.
	CustomAttributes map[string]string `json:"customAttributes,omitempty" yaml:"custom_attributes,omitempty"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 "oidcserver",
		ServiceVersion:              "dev",
		EnablePrometheusMetricsPath: false, // No metrics endpoint by default
		CustomAttributes:            map[string]string{},
	}
}

// Provider encapsulates OpenTelemetry providers and configuration.
type Provider struct {
	config            Config
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdown          func(context.Context) error
}

// NewProvider creates a new OpenTelemetry provider with the given configuration
// and installs it as the global provider.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("telemetry service name is required")
	}
	if err := checkReserved(config.CustomAttributes); err != nil {
		return nil, err
	}

	p := &Provider{
		config:         config,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  noop.NewMeterProvider(),
	}

	if config.EnablePrometheusMetricsPath {
		res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(config)...))
		if err != nil {
			return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
		}

		reader, handler, err := prometheus.NewReader(prometheus.Config{
			EnableMetricsPath:     true,
			IncludeRuntimeMetrics: config.IncludeRuntimeMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build prometheus reader: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		p.meterProvider = mp
		p.prometheusHandler = handler
		p.shutdown = mp.Shutdown
	}

	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Middleware returns an HTTP middleware that instruments requests with OpenTelemetry.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return NewHTTPMiddleware(p.tracerProvider, p.meterProvider)
}

// Shutdown gracefully shuts down the telemetry provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the Prometheus metrics handler if configured.
// Returns nil if the metrics path is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}
