package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricFramesReceivedTotal   = "feed_frames_received_total"
	MetricFramesDroppedTotal    = "feed_frames_dropped_total"
	MetricSubscriberErrorsTotal = "feed_subscriber_errors_total"
	MetricReconnectsTotal       = "feed_listener_reconnects_total"
	MetricDispatchLatency       = "feed_dispatch_latency_ms"
	MetricActiveListeners       = "feed_active_listeners"
	MetricLiveTopics            = "feed_live_topics"
	MetricForcedCancelsTotal    = "feed_forced_cancels_total"
	MetricArchiveMonthsTotal    = "feed_archive_months_total"
)

// MetricsHolder holds the feed instruments
type MetricsHolder struct {
	FramesReceived   metric.Int64Counter
	FramesDropped    metric.Int64Counter
	SubscriberErrors metric.Int64Counter
	Reconnects       metric.Int64Counter
	ForcedCancels    metric.Int64Counter
	ArchiveMonths    metric.Int64Counter
	DispatchLatency  metric.Float64Histogram
	ActiveListeners  metric.Int64ObservableGauge
	LiveTopics       metric.Int64ObservableGauge

	activeListeners atomic.Int64
	liveTopics      atomic.Int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are created on the
// global meter provider, which forwards to whichever provider Setup installs later.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		if err := globalMetrics.InitMetrics(otel.GetMeterProvider().Meter(meterName)); err != nil {
			otel.Handle(err)
		}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.FramesReceived, err = meter.Int64Counter(MetricFramesReceivedTotal, metric.WithDescription("Frames received from the venue"))
	if err != nil {
		return err
	}

	m.FramesDropped, err = meter.Int64Counter(MetricFramesDroppedTotal, metric.WithDescription("Frames dropped before dispatch"))
	if err != nil {
		return err
	}

	m.SubscriberErrors, err = meter.Int64Counter(MetricSubscriberErrorsTotal, metric.WithDescription("Subscriber callbacks that failed"))
	if err != nil {
		return err
	}

	m.Reconnects, err = meter.Int64Counter(MetricReconnectsTotal, metric.WithDescription("Listener reconnect attempts"))
	if err != nil {
		return err
	}

	m.ForcedCancels, err = meter.Int64Counter(MetricForcedCancelsTotal, metric.WithDescription("Tasks cancelled after their drain deadline"))
	if err != nil {
		return err
	}

	m.ArchiveMonths, err = meter.Int64Counter(MetricArchiveMonthsTotal, metric.WithDescription("Monthly archives fetched"))
	if err != nil {
		return err
	}

	m.DispatchLatency, err = meter.Float64Histogram(MetricDispatchLatency, metric.WithDescription("Time from frame receipt to subscriber notification"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ActiveListeners, err = meter.Int64ObservableGauge(MetricActiveListeners, metric.WithDescription("Listeners currently owned by the coordinator"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(m.activeListeners.Load())
			return nil
		}))
	if err != nil {
		return err
	}

	m.LiveTopics, err = meter.Int64ObservableGauge(MetricLiveTopics, metric.WithDescription("Topics with at least one subscriber"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(m.liveTopics.Load())
			return nil
		}))
	return err
}

func topicAttr(topic string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *MetricsHolder) RecordFrame(ctx context.Context, topic string) {
	m.FramesReceived.Add(ctx, 1, topicAttr(topic))
}

func (m *MetricsHolder) RecordDrop(ctx context.Context, topic, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("reason", reason),
	))
}

func (m *MetricsHolder) RecordSubscriberError(ctx context.Context, topic string) {
	m.SubscriberErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *MetricsHolder) RecordReconnect(ctx context.Context, topic string) {
	m.Reconnects.Add(ctx, 1, topicAttr(topic))
}

func (m *MetricsHolder) RecordForcedCancel(ctx context.Context, task string) {
	m.ForcedCancels.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

func (m *MetricsHolder) RecordArchiveMonth(ctx context.Context, symbol, source string) {
	m.ArchiveMonths.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("source", source),
	))
}

func (m *MetricsHolder) RecordDispatchLatency(ctx context.Context, ms float64) {
	m.DispatchLatency.Record(ctx, ms)
}

func (m *MetricsHolder) SetActiveListeners(n int) {
	m.activeListeners.Store(int64(n))
}

func (m *MetricsHolder) SetLiveTopics(n int) {
	m.liveTopics.Store(int64(n))
}

func (m *MetricsHolder) GetActiveListeners() int64 {
	return m.activeListeners.Load()
}

func (m *MetricsHolder) GetLiveTopics() int64 {
	return m.liveTopics.Load()
}
