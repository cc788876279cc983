// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// reservedAttributes are set from Config and cannot be overridden.
var reservedAttributes = []attribute.Key{
	semconv.ServiceNameKey,
	semconv.ServiceVersionKey,
}

// ParseResourceAttributes parses "key=value" pairs separated by commas, as used
// by the OIDCSERVER_TELEMETRY_ATTRIBUTES variable, e.g.
// "deployment.environment=prod,cloud.region=eu-west-1".
func ParseResourceAttributes(input string) (map[string]string, error) {
	attrs := map[string]string{}
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid attribute %q: empty key", pair)
		}
		if _, dup := attrs[key]; dup {
			return nil, fmt.Errorf("attribute %q set more than once", key)
		}
		attrs[key] = strings.TrimSpace(value)
	}
	if err := checkReserved(attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func checkReserved(attrs map[string]string) error {
	for _, k := range reservedAttributes {
		if _, ok := attrs[string(k)]; ok {
			return fmt.Errorf("attribute %q is set from the service configuration", k)
		}
	}
	return nil
}

// resourceAttributes returns the resource attributes of cfg ordered by key.
func resourceAttributes(cfg Config) []attribute.KeyValue {
	out := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	keys := make([]string, 0, len(cfg.CustomAttributes))
	for k := range cfg.CustomAttributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, attribute.String(k, cfg.CustomAttributes[k]))
	}
	return out
}
