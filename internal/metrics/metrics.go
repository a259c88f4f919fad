package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devicemirror"

var (
	// Tunnel and framing metrics
	packetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_total",
		Help:      "Total frame packets read from the video socket",
	}, []string{"device"})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_bytes_total",
		Help:      "Total frame payload bytes read from the video socket",
	}, []string{"device"})

	configPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_packets_total",
		Help:      "Total codec configuration packets received",
	}, []string{"device"})

	preConfigDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "preconfig_dropped_total",
		Help:      "Media packets discarded because no configuration had been received",
	}, []string{"device"})

	// Decoder metrics
	decoderInitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decoder_inits_total",
		Help:      "Decoder (re)initializations triggered by configuration packets",
	}, []string{"device"})

	framesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_decoded_total",
		Help:      "Pictures produced by the decoder and converted to BGR24",
	}, []string{"device"})

	corruptUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corrupt_units_total",
		Help:      "Access units skipped because the decoder rejected them",
	}, []string{"device"})

	decodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decode_duration_seconds",
		Help:      "Time spent decoding and converting one access unit",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"device"})

	// Delivery metrics
	framesOverwrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_overwritten_total",
		Help:      "Frames replaced in the latest-frame slot before any reader saw them",
	}, []string{"device"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of running mirroring sessions",
	})

	sessionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_errors_total",
		Help:      "Sessions terminated by an error, by error type",
	}, []string{"device", "type"})

	// Supporting surfaces
	bridgeDialAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_dial_attempts_total",
		Help:      "Attempts to connect to the forwarded video socket, by outcome",
	}, []string{"outcome"})

	snapshotRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_requests_total",
		Help:      "Latest frame snapshot requests, by HTTP status",
	}, []string{"status"})
)

// Session holds the metric children of a single device. Methods are safe for
// concurrent use; a nil *Session records nothing.
type Session struct {
	packets           prometheus.Counter
	bytes             prometheus.Counter
	configPackets     prometheus.Counter
	preConfigDropped  prometheus.Counter
	decoderInits      prometheus.Counter
	framesDecoded     prometheus.Counter
	corruptUnits      prometheus.Counter
	framesOverwritten prometheus.Counter
	decodeDuration    prometheus.Observer
	device            string
}

// ForDevice resolves the metric children for a device name.
func ForDevice(device string) *Session {
	return &Session{
		packets:           packetsTotal.WithLabelValues(device),
		bytes:             bytesTotal.WithLabelValues(device),
		configPackets:     configPacketsTotal.WithLabelValues(device),
		preConfigDropped:  preConfigDroppedTotal.WithLabelValues(device),
		decoderInits:      decoderInitsTotal.WithLabelValues(device),
		framesDecoded:     framesDecodedTotal.WithLabelValues(device),
		corruptUnits:      corruptUnitsTotal.WithLabelValues(device),
		framesOverwritten: framesOverwrittenTotal.WithLabelValues(device),
		decodeDuration:    decodeDuration.WithLabelValues(device),
		device:            device,
	}
}

// PacketReceived records one frame packet with n payload bytes.
func (s *Session) PacketReceived(n int, config bool) {
	if s == nil {
		return
	}
	s.packets.Inc()
	s.bytes.Add(float64(n))
	if config {
		s.configPackets.Inc()
	}
}

func (s *Session) PreConfigDropped() {
	if s != nil {
		s.preConfigDropped.Inc()
	}
}

func (s *Session) DecoderInitialized() {
	if s != nil {
		s.decoderInits.Inc()
	}
}

func (s *Session) CorruptUnit() {
	if s != nil {
		s.corruptUnits.Inc()
	}
}

// UnitDecoded records a decode call that produced frames pictures.
func (s *Session) UnitDecoded(frames int, took time.Duration) {
	if s == nil {
		return
	}
	s.framesDecoded.Add(float64(frames))
	s.decodeDuration.Observe(took.Seconds())
}

func (s *Session) FrameOverwritten() {
	if s != nil {
		s.framesOverwritten.Inc()
	}
}

// Started marks the session active.
func (s *Session) Started() {
	if s != nil {
		sessionsActive.Inc()
	}
}

// Ended marks the session inactive, recording errType when it ended with an
// error. An empty errType means a clean end.
func (s *Session) Ended(errType string) {
	if s == nil {
		return
	}
	sessionsActive.Dec()
	if errType != "" {
		sessionErrorsTotal.WithLabelValues(s.device, errType).Inc()
	}
}

// RecordDialAttempt records a bridge connection attempt outcome
// ("connected", "refused", "not_ready", "failed").
func RecordDialAttempt(outcome string) {
	bridgeDialAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordSnapshotRequest records the HTTP status of a snapshot request.
func RecordSnapshotRequest(status string) {
	snapshotRequestsTotal.WithLabelValues(status).Inc()
}
