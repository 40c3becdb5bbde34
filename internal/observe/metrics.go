// Package observe provides application-wide observability primitives for
// Confab: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Confab metrics.
const meterName = "github.com/confabhq/confab"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks how long one turn takes from speaker selection to
	// append. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("kind", ...)
	TurnDuration metric.Float64Histogram

	// InputWaitDuration tracks how long the loop was suspended waiting for
	// human input, including timed-out waits.
	InputWaitDuration metric.Float64Histogram

	// ConversationDuration tracks total wall-clock time per conversation.
	ConversationDuration metric.Float64Histogram

	// ConversationRounds tracks how many rounds each conversation ran.
	ConversationRounds metric.Int64Histogram

	// --- Counters ---

	// Messages counts appended transcript messages. Use with attribute:
	//   attribute.String("speaker", ...)
	Messages metric.Int64Counter

	// BackendRetries counts second attempts after a failed generation call.
	// Use with attribute: attribute.String("agent", ...)
	BackendRetries metric.Int64Counter

	// BackendErrors counts failed generation calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("class", ...)
	BackendErrors metric.Int64Counter

	// Terminations counts finished conversations. Use with attribute:
	//   attribute.String("reason", ...)
	Terminations metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of running conversations.
	ActiveConversations metric.Int64UpDownCounter

	// PendingInputs tracks the number of outstanding human-input requests.
	PendingInputs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// turnBuckets defines histogram boundaries (in seconds) for single turns,
// which are dominated by model inference time.
var turnBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// waitBuckets defines histogram boundaries (in seconds) for human input
// waits, which run much longer than automated turns.
var waitBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// conversationBuckets defines histogram boundaries (in seconds) for whole
// conversations.
var conversationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// roundBuckets defines histogram boundaries for rounds per conversation.
var roundBuckets = []float64{
	1, 2, 3, 5, 10, 20, 50, 100,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("confab.turn.duration",
		metric.WithDescription("Latency of one turn, from speaker selection to append."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InputWaitDuration, err = m.Float64Histogram("confab.input.wait_duration",
		metric.WithDescription("Time spent suspended waiting for human input."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversationDuration, err = m.Float64Histogram("confab.conversation.duration",
		metric.WithDescription("Total wall-clock duration per conversation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(conversationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversationRounds, err = m.Int64Histogram("confab.conversation.rounds",
		metric.WithDescription("Rounds executed per conversation."),
		metric.WithExplicitBucketBoundaries(roundBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Messages, err = m.Int64Counter("confab.messages",
		metric.WithDescription("Total appended messages by speaker."),
	); err != nil {
		return nil, err
	}
	if met.BackendRetries, err = m.Int64Counter("confab.backend.retries",
		metric.WithDescription("Total generation retries by agent."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("confab.backend.errors",
		metric.WithDescription("Total failed generation calls by provider and error class."),
	); err != nil {
		return nil, err
	}
	if met.Terminations, err = m.Int64Counter("confab.terminations",
		metric.WithDescription("Total finished conversations by termination reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("confab.active_conversations",
		metric.WithDescription("Number of running conversations."),
	); err != nil {
		return nil, err
	}
	if met.PendingInputs, err = m.Int64UpDownCounter("confab.pending_inputs",
		metric.WithDescription("Number of outstanding human-input requests."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("confab.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn is a convenience method that records one turn's duration with
// the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, speakerID, kind string, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("speaker", speakerID),
			attribute.String("kind", kind),
		),
	)
}

// RecordMessage is a convenience method that records an appended message.
func (m *Metrics) RecordMessage(ctx context.Context, speakerID string) {
	m.Messages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speakerID)),
	)
}

// RecordBackendRetry is a convenience method that records a generation retry.
func (m *Metrics) RecordBackendRetry(ctx context.Context, agentID string) {
	m.BackendRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent", agentID)),
	)
}

// RecordBackendError is a convenience method that records a failed
// generation call.
func (m *Metrics) RecordBackendError(ctx context.Context, provider, class string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("class", class),
		),
	)
}

// RecordTermination is a convenience method that records a finished
// conversation with its rounds and duration.
func (m *Metrics) RecordTermination(ctx context.Context, reason string, rounds int, d time.Duration) {
	m.Terminations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.ConversationRounds.Record(ctx, int64(rounds))
	m.ConversationDuration.Record(ctx, d.Seconds())
}
