// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat service.
//
// # Description
//
// Metrics covers the completion stream end to end: requests and errors by
// code, active streams, time to first delta, stream duration, upstream
// attempts, retries and fallbacks, and failures of the trailing
// persistence task.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Every method is a no-op on a
// nil *Metrics, so callers never need a nil check.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const metricsNamespace = "aleutian"

const chatSubsystem = "chat"

// ErrorCode labels a failed request by its client-facing category.
type ErrorCode string

const (
	ErrorCodeValidation    ErrorCode = "validation"
	ErrorCodeUnauthorized  ErrorCode = "unauthorized"
	ErrorCodeNotFound      ErrorCode = "not_found"
	ErrorCodeRateLimited   ErrorCode = "rate_limited"
	ErrorCodeUpstream      ErrorCode = "upstream_error"
	ErrorCodeAborted       ErrorCode = "aborted"
	ErrorCodeInternal      ErrorCode = "internal"
	ErrorCodeUpstreamRead  ErrorCode = "upstream_read"
	ErrorCodeAnswerTooLong ErrorCode = "answer_too_large"
)

// Endpoint labels the route a metric belongs to.
type Endpoint string

const (
	EndpointCompletion Endpoint = "completion"
	EndpointHistory    Endpoint = "history"
)

// =============================================================================
// Metrics
// =============================================================================

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	RequestsTotal            *prometheus.CounterVec
	ErrorsTotal              *prometheus.CounterVec
	ActiveStreams            *prometheus.GaugeVec
	TimeToFirstDeltaSeconds  *prometheus.HistogramVec
	StreamDurationSeconds    *prometheus.HistogramVec
	DeltasTotal              *prometheus.CounterVec
	ClientDisconnectsTotal   *prometheus.CounterVec
	UpstreamAttemptsTotal    *prometheus.CounterVec
	UpstreamRetriesTotal     *prometheus.CounterVec
	UpstreamRetryWaitSeconds prometheus.Histogram
	UpstreamFallbacksTotal   *prometheus.CounterVec
	PersistenceFailuresTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total failed requests by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of completion streams currently open",
			},
			[]string{"endpoint"},
		),
		TimeToFirstDeltaSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from request to first forwarded delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"model"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		DeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "deltas_total",
				Help:      "Total text deltas forwarded to clients by model",
			},
			[]string{"model"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		UpstreamAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "upstream_attempts_total",
				Help:      "Upstream requests by model and response status",
			},
			[]string{"model", "status"},
		),
		UpstreamRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "upstream_retries_total",
				Help:      "Scheduled upstream retries by triggering status and wait source",
			},
			[]string{"status", "source"},
		),
		UpstreamRetryWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "upstream_retry_wait_seconds",
				Help:      "Wait scheduled before an upstream retry in seconds",
				Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),
		UpstreamFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "upstream_fallbacks_total",
				Help:      "Fallback model attempts by model and result",
			},
			[]string{"model", "result"},
		),
		PersistenceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "persistence_failures_total",
				Help:      "Failed trailing assistant message writes by stage",
			},
			[]string{"stage"},
		),
	}
}

// =============================================================================
// Request Recording
// =============================================================================

func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), outcomeLabel(success)).Inc()
}

func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

func (m *Metrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

func (m *Metrics) RecordTimeToFirstDelta(model string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstDeltaSeconds.WithLabelValues(model).Observe(seconds)
}

func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), outcomeLabel(success)).Observe(seconds)
}

func (m *Metrics) RecordDeltas(model string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DeltasTotal.WithLabelValues(model).Add(float64(n))
}

func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordPersistenceFailure counts a failed trailing write. stage is
// "message" or "session".
func (m *Metrics) RecordPersistenceFailure(stage string) {
	if m == nil {
		return
	}
	m.PersistenceFailuresTotal.WithLabelValues(stage).Inc()
}

// =============================================================================
// Upstream Observer
// =============================================================================

// ObserveAttempt implements llm.Observer.
func (m *Metrics) ObserveAttempt(model string, status int) {
	if m == nil {
		return
	}
	m.UpstreamAttemptsTotal.WithLabelValues(model, strconv.Itoa(status)).Inc()
}

// ObserveRetry implements llm.Observer.
func (m *Metrics) ObserveRetry(state llm.RetryState) {
	if m == nil {
		return
	}
	m.UpstreamRetriesTotal.WithLabelValues(strconv.Itoa(state.Status), state.Source).Inc()
	m.UpstreamRetryWaitSeconds.Observe(state.Wait.Seconds())
}

// ObserveFallback implements llm.Observer.
func (m *Metrics) ObserveFallback(model string, ok bool) {
	if m == nil {
		return
	}
	m.UpstreamFallbacksTotal.WithLabelValues(model, outcomeLabel(ok)).Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

var _ llm.Observer = (*Metrics)(nil)
