// Package metrics exposes Prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Audio frame directions and outcomes
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	OutcomeForwarded = "forwarded"
	OutcomeQueued    = "queued"
	OutcomeDropped   = "dropped"
	OutcomeMalformed = "malformed"
)

// Metrics holds the bridge collectors on a private registry. All methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	teardownsTotal  *prometheus.CounterVec
	streamStarts    *prometheus.CounterVec
	audioFrames     *prometheus.CounterVec
	aiEvents        *prometheus.CounterVec
	callControl     *prometheus.CounterVec
	callControlTime *prometheus.HistogramVec
	mediaRelays     prometheus.Gauge
	callDuration    prometheus.Histogram
	aiReadyLatency  prometheus.Histogram
	rtpPacketsLost  prometheus.Counter
	dtmfDigits      *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently bridged",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call.initiated events handled",
		}, []string{"result"}), // result: created, duplicate, rejected
		teardownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Total number of session teardowns by reason",
		}, []string{"reason"}),
		streamStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_starts_total",
			Help:      "Total number of media stream starts by triggering signal",
		}, []string{"trigger"}), // trigger: answered, ai_ready, timeout
		audioFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Total number of audio frames by direction and outcome",
		}, []string{"direction", "outcome"}),
		aiEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_events_total",
			Help:      "Total number of AI provider events received by type",
		}, []string{"type"}),
		callControl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_control_requests_total",
			Help:      "Total number of call-control actions issued",
		}, []string{"action", "status"}), // status: success, error
		callControlTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_control_request_duration_seconds",
			Help:      "Duration of call-control actions in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"action"}),
		mediaRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "media_relays_active",
			Help:      "Number of attached telephony media relays",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Histogram of bridged call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		aiReadyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_ready_seconds",
			Help:      "Time from call.initiated until the AI session is configured",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16},
		}),
		rtpPacketsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_lost_total",
			Help:      "Total number of inbound RTP packets detected as lost",
		}),
		dtmfDigits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dtmf_digits_total",
			Help:      "Total number of RFC 4733 digits received from callers",
		}, []string{"digit"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.sessionsTotal,
		m.teardownsTotal,
		m.streamStarts,
		m.audioFrames,
		m.aiEvents,
		m.callControl,
		m.callControlTime,
		m.mediaRelays,
		m.callDuration,
		m.aiReadyLatency,
		m.rtpPacketsLost,
		m.dtmfDigits,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionCreated records a call.initiated outcome; created also bumps the active gauge.
func (m *Metrics) SessionCreated(result string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(result).Inc()
	if result == "created" {
		m.sessionsActive.Inc()
	}
}

// SessionClosed records a teardown.
func (m *Metrics) SessionClosed(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.teardownsTotal.WithLabelValues(reason).Inc()
	m.callDuration.Observe(duration.Seconds())
}

// StreamStarted records which signal started the media stream.
func (m *Metrics) StreamStarted(trigger string) {
	if m == nil {
		return
	}
	m.streamStarts.WithLabelValues(trigger).Inc()
}

// AudioFrame counts one audio frame.
func (m *Metrics) AudioFrame(direction, outcome string) {
	if m == nil {
		return
	}
	m.audioFrames.WithLabelValues(direction, outcome).Inc()
}

// AIEvent counts a provider event by type.
func (m *Metrics) AIEvent(eventType string) {
	if m == nil {
		return
	}
	m.aiEvents.WithLabelValues(eventType).Inc()
}

// AIReady records how long the AI session took to become ready.
func (m *Metrics) AIReady(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.aiReadyLatency.Observe(elapsed.Seconds())
}

// CallControl records a call-control action.
func (m *Metrics) CallControl(action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.callControl.WithLabelValues(action, status).Inc()
	m.callControlTime.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RelayAttached adjusts the attached relay gauge by delta.
func (m *Metrics) RelayAttached(delta int) {
	if m == nil {
		return
	}
	m.mediaRelays.Add(float64(delta))
}

// RTPLost counts lost inbound RTP packets.
func (m *Metrics) RTPLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rtpPacketsLost.Add(float64(n))
}

// DTMFDigit counts one received keypad digit.
func (m *Metrics) DTMFDigit(digit rune) {
	if m == nil {
		return
	}
	m.dtmfDigits.WithLabelValues(string(digit)).Inc()
}
