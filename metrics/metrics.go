// Package metrics provides Prometheus metrics for the livecoach session runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livecoach"

var (
	// connectsTotal counts connection attempts by result.
	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of transport connection attempts",
		},
		[]string{"result"}, // result: success, error
	)

	// disconnectsTotal counts observed disconnects by close classification.
	disconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of transport disconnects by classification",
		},
		[]string{"class"}, // class: normal, quota_exceeded, auth_error, unexpected
	)

	// outboundMessagesTotal counts wire messages sent by kind.
	outboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Total outbound wire messages by kind",
		},
		[]string{"kind"}, // kind: setup, audio_chunk, image_chunk, client_text, tool_response
	)

	// inboundEventsTotal counts routed inbound events by type.
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Total routed inbound events by type",
		},
		[]string{"type"},
	)

	// audioChunksPlayedTotal counts audio chunks handed to the playback sink.
	audioChunksPlayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_played_total",
			Help:      "Total audio chunks handed to the playback sink",
		},
	)

	// utterancesTotal counts completed model utterances by end cause.
	utterancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total completed model utterances by end cause",
		},
		[]string{"cause"}, // cause: interrupted, completed
	)

	// toolCallDuration is a histogram of tool invocation duration.
	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"tool"},
	)

	// toolCallsTotal counts tool invocations.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	// framesCapturedTotal counts capture frames by kind and status.
	framesCapturedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total captured frames by capture kind",
		},
		[]string{"kind", "status"}, // kind: camera, screen; status: sent, grab_error, encode_error, send_error
	)
)

// Register registers all livecoach collectors with the given registerer.
// Call once at startup; passing prometheus.DefaultRegisterer wires the
// metrics into the default /metrics endpoint.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		connectsTotal,
		disconnectsTotal,
		outboundMessagesTotal,
		inboundEventsTotal,
		audioChunksPlayedTotal,
		utterancesTotal,
		toolCallDuration,
		toolCallsTotal,
		framesCapturedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// RecordConnect records a connection attempt outcome ("success" or "error").
func RecordConnect(result string) {
	connectsTotal.WithLabelValues(result).Inc()
}

// RecordDisconnect records an observed disconnect classification.
func RecordDisconnect(class string) {
	disconnectsTotal.WithLabelValues(class).Inc()
}

// RecordOutbound records one outbound wire message of the given kind.
func RecordOutbound(kind string) {
	outboundMessagesTotal.WithLabelValues(kind).Inc()
}

// RecordInboundEvent records one routed inbound event.
func RecordInboundEvent(eventType string) {
	inboundEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordAudioChunkPlayed records one audio chunk handed to the sink.
func RecordAudioChunkPlayed() {
	audioChunksPlayedTotal.Inc()
}

// RecordUtteranceEnd records a completed utterance ("interrupted" or "completed").
func RecordUtteranceEnd(cause string) {
	utterancesTotal.WithLabelValues(cause).Inc()
}

// RecordToolCall records one tool invocation with its duration and status.
func RecordToolCall(tool, status string, seconds float64) {
	toolCallDuration.WithLabelValues(tool).Observe(seconds)
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordFrame records one capture frame attempt.
func RecordFrame(kind, status string) {
	framesCapturedTotal.WithLabelValues(kind, status).Inc()
}
