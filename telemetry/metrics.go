// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package telemetry holds the OpenTelemetry instruments shared by the
// ingestion pipeline, the searcher and the resilient embedder. Instruments
// come from the global meter provider; without one installed they are no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the application instruments.
type Metrics struct {
	MessagesProcessed   metric.Int64Counter
	MessagesFailed      metric.Int64Counter
	EmbeddingDuration   metric.Float64Histogram
	UpsertDuration      metric.Float64Histogram
	SearchRequests      metric.Int64Counter
	SearchDuration      metric.Float64Histogram
	CircuitBreakerState metric.Int64Counter
}

// NewMetrics creates the instruments on the named global meter.
func NewMetrics(scope string) (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(scope))
}

// NewMetricsFromMeter creates the instruments on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	processed, err := meter.Int64Counter(
		"quiry.messages.processed",
		metric.WithDescription("Messages handled by a pipeline stage"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"quiry.messages.failed",
		metric.WithDescription("Messages a pipeline stage dead-lettered"),
	)
	if err != nil {
		return nil, err
	}

	embedding, err := meter.Float64Histogram(
		"quiry.embedding.duration",
		metric.WithDescription("Embedding duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	upsert, err := meter.Float64Histogram(
		"quiry.index.upsert.duration",
		metric.WithDescription("Chunk persistence duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	searches, err := meter.Int64Counter(
		"quiry.search.requests",
		metric.WithDescription("Search requests"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"quiry.search.duration",
		metric.WithDescription("Search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	breaker, err := meter.Int64Counter(
		"quiry.circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		MessagesProcessed:   processed,
		MessagesFailed:      failed,
		EmbeddingDuration:   embedding,
		UpsertDuration:      upsert,
		SearchRequests:      searches,
		SearchDuration:      searchDuration,
		CircuitBreakerState: breaker,
	}, nil
}

// RecordMessage counts one message handled by stage.
func (m *Metrics) RecordMessage(ctx context.Context, stage string, failed bool) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.MessagesProcessed.Add(ctx, 1, attrs)
	if failed {
		m.MessagesFailed.Add(ctx, 1, attrs)
	}
}

// RecordEmbedding records how long embedding one chunk took.
func (m *Metrics) RecordEmbedding(ctx context.Context, elapsed time.Duration, err error) {
	m.EmbeddingDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(status(err)))
}

// RecordUpsert records how long persisting one chunk took.
func (m *Metrics) RecordUpsert(ctx context.Context, elapsed time.Duration, err error) {
	m.UpsertDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(status(err)))
}

// RecordSearch counts one search and records its duration.
func (m *Metrics) RecordSearch(ctx context.Context, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(status(err))
	m.SearchRequests.Add(ctx, 1, attrs)
	m.SearchDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordCircuitBreakerState counts a transition of the named breaker.
func (m *Metrics) RecordCircuitBreakerState(ctx context.Context, name, state string) {
	m.CircuitBreakerState.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("state", state),
	))
}

func status(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}
