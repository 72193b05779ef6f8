// Package metrics exposes the agent's own operational counters to Prometheus.
// All methods are nil-safe so components can run without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lotus_agent"

// Metrics holds the self-observability collectors of the agent.
type Metrics struct {
	channelPuts      *prometheus.CounterVec
	channelDrops     *prometheus.CounterVec
	channelSpills    *prometheus.CounterVec
	channelSize      *prometheus.GaugeVec
	deliverySends    *prometheus.CounterVec
	deliveryEvents   *prometheus.CounterVec
	fetchFailures    *prometheus.CounterVec
	circuitOpens     *prometheus.CounterVec
	pipelineErrors   *prometheus.CounterVec
	collectorSamples *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		channelPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "puts_total",
			Help: "Events accepted by a channel.",
		}, []string{"channel"}),
		channelDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "drops_total",
			Help: "Events rejected because memory and overflow capacity were exhausted.",
		}, []string{"channel"}),
		channelSpills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "spills_total",
			Help: "Events written to the overflow store.",
		}, []string{"channel"}),
		channelSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "size",
			Help: "Events currently queued, by tier.",
		}, []string{"channel", "tier"}),
		deliverySends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "sends_total",
			Help: "Batch send attempts by outcome.",
		}, []string{"sink", "outcome"}),
		deliveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "events_total",
			Help: "Events in batches by outcome.",
		}, []string{"sink", "outcome"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "fetch_failures_total",
			Help: "Failed fetch attempts.",
		}, []string{"source"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "circuit_opens_total",
			Help: "Times a source circuit was deactivated.",
		}, []string{"source"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "errors_total",
			Help: "Recoverable per-sample processing errors.",
		}, []string{"collector"}),
		collectorSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "samples_total",
			Help: "Samples processed by outcome.",
		}, []string{"collector", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.channelPuts, m.channelDrops, m.channelSpills, m.channelSize,
			m.deliverySends, m.deliveryEvents,
			m.fetchFailures, m.circuitOpens,
			m.pipelineErrors, m.collectorSamples,
		)
	}
	return m
}

func (m *Metrics) ChannelPut(channel string) {
	if m == nil {
		return
	}
	m.channelPuts.WithLabelValues(channel).Inc()
}

func (m *Metrics) ChannelDrop(channel string) {
	if m == nil {
		return
	}
	m.channelDrops.WithLabelValues(channel).Inc()
}

func (m *Metrics) ChannelSpill(channel string) {
	if m == nil {
		return
	}
	m.channelSpills.WithLabelValues(channel).Inc()
}

// ChannelSize sets the queued event gauges for the memory and overflow tiers.
func (m *Metrics) ChannelSize(channel string, memory, overflow int) {
	if m == nil {
		return
	}
	m.channelSize.WithLabelValues(channel, "memory").Set(float64(memory))
	m.channelSize.WithLabelValues(channel, "overflow").Set(float64(overflow))
}

// DeliverySend counts one send attempt of n events. outcome is one of
// "ok", "rejected" or "retry".
func (m *Metrics) DeliverySend(sink, outcome string, n int) {
	if m == nil {
		return
	}
	m.deliverySends.WithLabelValues(sink, outcome).Inc()
	m.deliveryEvents.WithLabelValues(sink, outcome).Add(float64(n))
}

func (m *Metrics) FetchFailure(source string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) CircuitOpen(source string) {
	if m == nil {
		return
	}
	m.circuitOpens.WithLabelValues(source).Inc()
}

func (m *Metrics) PipelineError(collector string) {
	if m == nil {
		return
	}
	m.pipelineErrors.WithLabelValues(collector).Inc()
}

// CollectorSample counts one collector tick. outcome is one of "emitted",
// "suppressed", "unavailable" or "dropped".
func (m *Metrics) CollectorSample(collector, outcome string) {
	if m == nil {
		return
	}
	m.collectorSamples.WithLabelValues(collector, outcome).Inc()
}
