package broadcast

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type serverMetrics struct {
	messagesPublished metric.Int64Counter
	messagesDropped   metric.Int64Counter
	deliveryErrors    metric.Int64Counter
	connectionGauge   metric.Int64UpDownCounter
	fanoutHistogram   metric.Int64Histogram
	publishDuration   metric.Float64Histogram
}

func newServerMetrics() *serverMetrics {
	meter := otel.Meter("broadcast")
	m := new(serverMetrics)
	m.messagesPublished, _ = meter.Int64Counter("broadcast.messages.published",
		metric.WithDescription("Number of messages published to subscribers"),
		metric.WithUnit("{message}"))
	m.messagesDropped, _ = meter.Int64Counter("broadcast.messages.dropped",
		metric.WithDescription("Number of frames shed from full subscriber queues"),
		metric.WithUnit("{message}"))
	m.deliveryErrors, _ = meter.Int64Counter("broadcast.delivery.errors",
		metric.WithDescription("Number of write failures on subscriber connections"),
		metric.WithUnit("{error}"))
	m.connectionGauge, _ = meter.Int64UpDownCounter("broadcast.connections",
		metric.WithDescription("Number of active subscriber connections"),
		metric.WithUnit("{connection}"))
	m.fanoutHistogram, _ = meter.Int64Histogram("broadcast.fanout.size",
		metric.WithDescription("Number of subscribers per publish"),
		metric.WithUnit("{subscriber}"))
	m.publishDuration, _ = meter.Float64Histogram("broadcast.publish.duration",
		metric.WithDescription("Latency of publish fan-out"),
		metric.WithUnit("ms"))
	return m
}
