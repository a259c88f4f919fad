package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPacketCounters(t *testing.T) {
	device := "packets-device"
	s := ForDevice(device)

	initialPackets := testutil.ToFloat64(packetsTotal.WithLabelValues(device))
	initialBytes := testutil.ToFloat64(bytesTotal.WithLabelValues(device))
	initialConfig := testutil.ToFloat64(configPacketsTotal.WithLabelValues(device))

	s.PacketReceived(30, true)
	s.PacketReceived(1000, false)
	s.PacketReceived(0, false)

	assert.Equal(t, initialPackets+3, testutil.ToFloat64(packetsTotal.WithLabelValues(device)))
	assert.Equal(t, initialBytes+1030, testutil.ToFloat64(bytesTotal.WithLabelValues(device)))
	assert.Equal(t, initialConfig+1, testutil.ToFloat64(configPacketsTotal.WithLabelValues(device)))
}

func TestSessionDecodeCounters(t *testing.T) {
	device := "decode-device"
	s := ForDevice(device)

	s.DecoderInitialized()
	s.PreConfigDropped()
	s.PreConfigDropped()
	s.CorruptUnit()
	s.UnitDecoded(1, 4*time.Millisecond)
	s.UnitDecoded(0, time.Millisecond)
	s.FrameOverwritten()

	assert.Equal(t, float64(1), testutil.ToFloat64(decoderInitsTotal.WithLabelValues(device)))
	assert.Equal(t, float64(2), testutil.ToFloat64(preConfigDroppedTotal.WithLabelValues(device)))
	assert.Equal(t, float64(1), testutil.ToFloat64(corruptUnitsTotal.WithLabelValues(device)))
	assert.Equal(t, float64(1), testutil.ToFloat64(framesDecodedTotal.WithLabelValues(device)))
	assert.Equal(t, float64(1), testutil.ToFloat64(framesOverwrittenTotal.WithLabelValues(device)))

	hist, ok := decodeDuration.WithLabelValues(device).(prometheus.Metric)
	require.True(t, ok)
	m := &dto.Metric{}
	require.NoError(t, hist.Write(m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.005, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestSessionLifecycle(t *testing.T) {
	device := "lifecycle-device"
	initial := testutil.ToFloat64(sessionsActive)

	a := ForDevice(device)
	b := ForDevice(device)
	a.Started()
	b.Started()
	assert.Equal(t, initial+2, testutil.ToFloat64(sessionsActive))

	a.Ended("")
	b.Ended("PROTOCOL_ERROR")
	assert.Equal(t, initial, testutil.ToFloat64(sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(sessionErrorsTotal.WithLabelValues(device, "PROTOCOL_ERROR")))
}

func TestNilSessionIsNoop(t *testing.T) {
	var s *Session
	assert.NotPanics(t, func() {
		s.PacketReceived(10, true)
		s.PreConfigDropped()
		s.DecoderInitialized()
		s.CorruptUnit()
		s.UnitDecoded(1, time.Millisecond)
		s.FrameOverwritten()
		s.Started()
		s.Ended("DECODE_ERROR")
	})
}

func TestSupportingCounters(t *testing.T) {
	initialDial := testutil.ToFloat64(bridgeDialAttemptsTotal.WithLabelValues("not_ready"))
	RecordDialAttempt("not_ready")
	assert.Equal(t, initialDial+1, testutil.ToFloat64(bridgeDialAttemptsTotal.WithLabelValues("not_ready")))

	initialSnap := testutil.ToFloat64(snapshotRequestsTotal.WithLabelValues("429"))
	RecordSnapshotRequest("429")
	RecordSnapshotRequest("429")
	assert.Equal(t, initialSnap+2, testutil.ToFloat64(snapshotRequestsTotal.WithLabelValues("429")))
}
