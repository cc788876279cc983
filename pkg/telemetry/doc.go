// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry-based observability for the
// authorization server: a Prometheus metrics endpoint and HTTP middleware
// recording request spans, counts and durations.
package telemetry
