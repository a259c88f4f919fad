package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/devicemirror/internal/protocol"
	"github.com/zsiec/devicemirror/pkg/mirror"
)

func TestNewRecord(t *testing.T) {
	info := mirror.StreamInfo{DeviceName: "Pixel", Codec: protocol.CodecH264, Width: 720, Height: 1600}
	rec := NewRecord("id-1", info, mirror.Unthreaded, "127.0.0.1:8090")

	assert.Equal(t, "id-1", rec.SessionID)
	assert.Equal(t, "Pixel", rec.DeviceName)
	assert.Equal(t, uint32(1600), rec.Height)
	assert.Equal(t, "unthreaded", rec.Mode)
	assert.Equal(t, "127.0.0.1:8090", rec.StatusAddr)
}

func TestHeartbeatFromStats(t *testing.T) {
	hb := HeartbeatFromStats(mirror.Stats{State: "streaming", Packets: 5, FramesPublished: 4, FramesOverwritten: 1, CorruptUnits: 2})
	assert.Equal(t, Heartbeat{State: "streaming", Packets: 5, FramesPublished: 4, FramesOverwritten: 1, CorruptUnits: 2}, hb)
}

func TestPublisherRun(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute)
	pub := NewPublisher(reg, 10*time.Millisecond, nil)

	var frames atomic.Uint64
	stats := func() Heartbeat {
		return Heartbeat{State: "streaming", FramesPublished: frames.Add(1)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pub.Run(ctx, testRecord("s1"), stats) }()

	require.Eventually(t, func() bool {
		rec, err := reg.Get(context.Background(), "s1")
		return err == nil && rec.FramesPublished >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	_, err := reg.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPublisherReregistersExpired(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute)
	pub := NewPublisher(reg, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- pub.Run(ctx, testRecord("s1"), func() Heartbeat { return Heartbeat{State: "streaming"} })
	}()

	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), "s1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// Simulate the entry expiring behind the publisher's back.
	require.NoError(t, reg.Unregister(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		_, err := reg.Get(context.Background(), "s1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestPublisherRegisterFailure(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute)
	require.NoError(t, reg.Register(context.Background(), testRecord("s1")))

	err := NewPublisher(reg, time.Second, nil).Run(context.Background(), testRecord("s1"), func() Heartbeat { return Heartbeat{} })
	assert.ErrorIs(t, err, ErrSessionExists)
}
