package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/h264"
	"github.com/zsiec/devicemirror/internal/protocol"
	"github.com/zsiec/devicemirror/pkg/decoder"
	"github.com/zsiec/devicemirror/pkg/decoder/decodertest"
)

var testInfo = StreamInfo{
	DeviceName: "test-device",
	Codec:      protocol.CodecH264,
	Width:      1080,
	Height:     2400,
}

func encode(packets ...protocol.Packet) []byte {
	return protocol.EncodeStream(testInfo, false, packets...)
}

func unit(i int) protocol.Packet {
	return protocol.MediaPacket(time.Duration(i)*16*time.Millisecond, false, []byte{0, 0, 0, 1, 0x41, byte(i)})
}

func config(width, height int) protocol.Packet {
	return protocol.ConfigPacket(h264.ConfigPacket(width, height))
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestUnthreadedEndToEnd(t *testing.T) {
	tests := []struct {
		name string
		lag  int
	}{
		{"immediate decoder", 0},
		{"lagging decoder", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := encode(config(1080, 2400), unit(1), unit(2), unit(3))
			dec := decodertest.NewFake(0, 0)
			dec.Lag = tt.lag

			var initInfo StreamInfo
			s, err := Start(context.Background(), bytes.NewReader(stream), Options{
				Mode:       Unthreaded,
				NewDecoder: dec.Factory(),
				OnInit:     func(info StreamInfo) { initInfo = info },
			})
			require.NoError(t, err)
			defer s.Stop()

			assert.Equal(t, testInfo, s.Info())
			assert.Equal(t, testInfo, initInfo)

			for i := 1; i <= 3; i++ {
				f, err := s.GetLatestFrame(time.Second)
				require.NoError(t, err)
				require.NotNil(t, f, "frame %d", i)
				assert.Equal(t, 1080, f.Width)
				assert.Equal(t, 2400, f.Height)
				assert.Equal(t, 1080*3, f.Stride)
				assert.Equal(t, uint64(i), f.Seq)
				assert.Equal(t, time.Duration(i)*16*time.Millisecond, f.PTS)
			}

			f, err := s.GetLatestFrame(time.Second)
			assert.NoError(t, err)
			assert.Nil(t, f, "no frame after the channel closed")

			waitDone(t, s)
			assert.NoError(t, s.Err())
			assert.True(t, dec.IsClosed())

			stats := s.Stats()
			assert.Equal(t, "ended", stats.State)
			assert.Equal(t, uint64(4), stats.Packets)
			assert.Equal(t, uint64(3), stats.FramesPublished)
			assert.Zero(t, stats.FramesOverwritten)
			assert.Equal(t, uint64(3), s.LatestSnapshot().Seq)
		})
	}
}

func TestUnthreadedPullTimesOutOnIdleChannel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() { _, _ = server.Write(encode(config(16, 16))) }()

	dec := decodertest.NewFake(0, 0)
	s, err := Start(context.Background(), client, Options{Mode: Unthreaded, NewDecoder: dec.Factory()})
	require.NoError(t, err)
	defer s.Stop()

	begin := time.Now()
	f, err := s.GetLatestFrame(100 * time.Millisecond)
	elapsed := time.Since(begin)
	assert.NoError(t, err)
	assert.Nil(t, f)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	// a packet split across two pulls is resumed, not misframed
	packet := protocol.AppendPacket(nil, unit(1))
	go func() { _, _ = server.Write(packet[:protocol.HeaderSize+2]) }()
	f, err = s.GetLatestFrame(100 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, f)

	go func() { _, _ = server.Write(packet[protocol.HeaderSize+2:]) }()
	f, err = s.GetLatestFrame(time.Second)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, 16*time.Millisecond, f.PTS)

	select {
	case <-s.Done():
		t.Fatal("a timed out pull ended the session")
	default:
	}
	assert.Equal(t, 1, dec.ConfigCount())
}

func TestThreadedPushDelivery(t *testing.T) {
	stream := encode(config(64, 32), unit(1), unit(2), unit(3))

	var mu sync.Mutex
	var seqs []uint64
	var errorCalls int
	s, err := Start(context.Background(), bytes.NewReader(stream), Options{
		NewDecoder: decodertest.NewFake(0, 0).Factory(),
		OnFrame: func(f *Frame) {
			mu.Lock()
			seqs = append(seqs, f.Seq)
			mu.Unlock()
		},
		OnError: func(error) { errorCalls++ },
	})
	require.NoError(t, err)
	waitDone(t, s)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, seqs, "callback sees every frame in decode order")
	mu.Unlock()
	assert.Zero(t, errorCalls, "clean end of stream is not an error")
	assert.NoError(t, s.Err())

	f, err := s.GetLatestFrame(0)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint64(3), f.Seq, "only the latest frame is kept")
	assert.Equal(t, uint64(2), s.Stats().FramesOverwritten)

	f, err = s.GetLatestFrame(0)
	assert.NoError(t, err)
	assert.Nil(t, f)
	assert.NoError(t, s.Stop())
}

func TestAssemblerGatingThroughSession(t *testing.T) {
	stream := encode(unit(1), unit(2), config(16, 16), unit(3))
	dec := decodertest.NewFake(0, 0)

	s, err := Start(context.Background(), bytes.NewReader(stream), Options{Mode: Unthreaded, NewDecoder: dec.Factory()})
	require.NoError(t, err)

	f, err := s.GetLatestFrame(-1)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 48*time.Millisecond, f.PTS)

	assert.Equal(t, 1, dec.UnitCount(), "units before the config never reach the decoder")
	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.DroppedBeforeConfig)
	assert.Equal(t, uint64(1), stats.DecoderInits)
	require.NoError(t, s.Stop())
}

func TestConfigReinitMidStream(t *testing.T) {
	stream := encode(config(32, 16), unit(1), config(16, 32), unit(2), unit(3))
	dec := decodertest.NewFake(0, 0)

	s, err := Start(context.Background(), bytes.NewReader(stream), Options{Mode: Unthreaded, NewDecoder: dec.Factory()})
	require.NoError(t, err)
	defer s.Stop()

	var sizes [][2]int
	for {
		f, err := s.GetLatestFrame(-1)
		require.NoError(t, err)
		if f == nil {
			break
		}
		sizes = append(sizes, [2]int{f.Width, f.Height})
	}
	assert.Equal(t, [][2]int{{32, 16}, {16, 32}, {16, 32}}, sizes)
	assert.Equal(t, 2, dec.ConfigCount())
	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.DecoderInits)
	assert.Equal(t, 16, stats.Width, "the size follows the last config, not the handshake")
	assert.Equal(t, 32, stats.Height)
}

func TestThreadedPullTimeoutNeverEarly(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() { _, _ = server.Write(encode(config(16, 16))) }()

	s, err := Start(context.Background(), client, Options{NewDecoder: decodertest.NewFake(0, 0).Factory()})
	require.NoError(t, err)
	defer s.Stop()

	const timeout = 100 * time.Millisecond
	start := time.Now()
	f, err := s.GetLatestFrame(timeout)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Nil(t, f)
	assert.GreaterOrEqual(t, elapsed, timeout)
}

func TestThreadedBlockingPullWakesOnPublish(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() { _, _ = server.Write(encode(config(16, 16))) }()

	s, err := Start(context.Background(), client, Options{NewDecoder: decodertest.NewFake(0, 0).Factory()})
	require.NoError(t, err)
	defer s.Stop()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = server.Write(protocol.AppendPacket(nil, unit(7)))
	}()

	f, err := s.GetLatestFrame(5 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 7*16*time.Millisecond, f.PTS)
}

func TestCorruptUnitKeepsSessionAlive(t *testing.T) {
	corrupt := protocol.MediaPacket(0, false, decodertest.CorruptMarker)
	stream := encode(config(16, 16), unit(1), corrupt, unit(2))

	s, err := Start(context.Background(), bytes.NewReader(stream), Options{Mode: Unthreaded, NewDecoder: decodertest.NewFake(0, 0).Factory()})
	require.NoError(t, err)
	defer s.Stop()

	var frames int
	for {
		f, err := s.GetLatestFrame(-1)
		require.NoError(t, err)
		if f == nil {
			break
		}
		frames++
	}
	assert.Equal(t, 2, frames)
	assert.Equal(t, uint64(1), s.Stats().CorruptUnits)
	assert.NoError(t, s.Err())
}

func TestChannelErrorSurfacedOnce(t *testing.T) {
	for _, mode := range []Mode{Threaded, Unthreaded} {
		t.Run(mode.String(), func(t *testing.T) {
			boom := errors.New("connection reset")
			stream := encode(config(16, 16), unit(1))
			conn := io.MultiReader(bytes.NewReader(stream), iotest.ErrReader(boom))

			var onError []error
			s, err := Start(context.Background(), conn, Options{
				Mode:       mode,
				NewDecoder: decodertest.NewFake(0, 0).Factory(),
				OnError:    func(err error) { onError = append(onError, err) },
			})
			require.NoError(t, err)
			if mode == Threaded {
				waitDone(t, s)
			}

			f, err := s.GetLatestFrame(-1)
			require.NoError(t, err)
			require.NotNil(t, f, "a frame decoded before the failure is still delivered")

			_, err = s.GetLatestFrame(-1)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannel))
			assert.ErrorIs(t, err, boom)

			for i := 0; i < 2; i++ {
				f, err = s.GetLatestFrame(0)
				assert.NoError(t, err, "the error is surfaced exactly once")
				assert.Nil(t, f)
			}

			assert.ErrorIs(t, s.Err(), boom)
			require.Len(t, onError, 1)
			assert.ErrorIs(t, onError[0], boom)
			assert.NoError(t, s.Stop())
		})
	}
}

func TestTruncatedPayloadIsChannelError(t *testing.T) {
	stream := encode(config(16, 16), unit(1))
	stream = stream[:len(stream)-2]

	s, err := Start(context.Background(), bytes.NewReader(stream), Options{Mode: Unthreaded, NewDecoder: decodertest.NewFake(0, 0).Factory()})
	require.NoError(t, err)

	_, err = s.GetLatestFrame(-1)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannel))
}

func TestFatalDecodeErrorEndsSession(t *testing.T) {
	fatal := protocol.MediaPacket(0, false, decodertest.FatalMarker)
	stream := encode(config(16, 16), fatal, unit(2))
	dec := decodertest.NewFake(0, 0)

	s, err := Start(context.Background(), bytes.NewReader(stream), Options{NewDecoder: dec.Factory()})
	require.NoError(t, err)
	waitDone(t, s)

	assert.True(t, apperrors.IsType(s.Err(), apperrors.ErrorTypeDecode))
	assert.Equal(t, 1, dec.UnitCount(), "no unit is decoded after a fatal error")

	_, err = s.GetLatestFrame(0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode))
	assert.True(t, dec.IsClosed())
}

func TestStopInterruptsBlockedRead(t *testing.T) {
	for _, mode := range []Mode{Threaded, Unthreaded} {
		t.Run(mode.String(), func(t *testing.T) {
			client, server := net.Pipe()
			defer server.Close()
			go func() { _, _ = server.Write(encode(config(16, 16))) }()

			dec := decodertest.NewFake(0, 0)
			s, err := Start(context.Background(), client, Options{Mode: mode, NewDecoder: dec.Factory()})
			require.NoError(t, err)

			pulled := make(chan error, 1)
			go func() {
				_, err := s.GetLatestFrame(-1)
				pulled <- err
			}()

			time.Sleep(30 * time.Millisecond)
			require.NoError(t, s.Stop())
			require.NoError(t, s.Stop(), "stop is idempotent")

			select {
			case err := <-pulled:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("pull was not released by Stop")
			}

			waitDone(t, s)
			assert.NoError(t, s.Err(), "stop is not an error")
			assert.True(t, dec.IsClosed())

			f, err := s.GetLatestFrame(0)
			assert.NoError(t, err)
			assert.Nil(t, f)
		})
	}
}

func TestContextCancelStopsSession(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() { _, _ = server.Write(encode()) }()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, client, Options{NewDecoder: decodertest.NewFake(0, 0).Factory()})
	require.NoError(t, err)

	cancel()
	waitDone(t, s)
	assert.NoError(t, s.Err())
}

func TestStartCancelledDuringHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Start(ctx, client, Options{NewDecoder: decodertest.NewFake(0, 0).Factory()})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannelClosed))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartHandshakeErrors(t *testing.T) {
	h265 := testInfo
	h265.Codec = protocol.CodecH265
	zero := testInfo
	zero.Width = 0

	tests := []struct {
		name   string
		stream []byte
		want   apperrors.ErrorType
	}{
		{name: "unsupported codec", stream: protocol.EncodeStream(h265, false), want: apperrors.ErrorTypeProtocol},
		{name: "zero width", stream: protocol.EncodeStream(zero, false), want: apperrors.ErrorTypeProtocol},
		{name: "truncated", stream: encode()[:20], want: apperrors.ErrorTypeChannel},
		{name: "empty", stream: nil, want: apperrors.ErrorTypeChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := decodertest.NewFake(0, 0)
			_, err := Start(context.Background(), bytes.NewReader(tt.stream), Options{NewDecoder: dec.Factory()})
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.want), "got %v", err)
		})
	}
}

func TestStartDecoderFactoryError(t *testing.T) {
	failing := decoder.Factory(func() (decoder.Decoder, error) { return nil, assert.AnError })

	_, err := Start(context.Background(), bytes.NewReader(encode()), Options{NewDecoder: failing})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDecoderInitFailureEndsSession(t *testing.T) {
	dec := decodertest.NewFake(0, 0)
	dec.ConfigureErr = assert.AnError

	s, err := Start(context.Background(), bytes.NewReader(encode(config(16, 16), unit(1))), Options{Mode: Unthreaded, NewDecoder: dec.Factory()})
	require.NoError(t, err)

	_, err = s.GetLatestFrame(-1)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode))
	assert.Zero(t, dec.UnitCount())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	stream := encode(config(16, 16), unit(1), unit(2))

	var calls int
	s, err := Start(context.Background(), bytes.NewReader(stream), Options{
		NewDecoder: decodertest.NewFake(0, 0).Factory(),
		OnFrame: func(*Frame) {
			calls++
			panic("consumer bug")
		},
	})
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, 2, calls)
	assert.NoError(t, s.Err())
	assert.Equal(t, uint64(2), s.Stats().FramesPublished, "frames are stored despite the panic")
}

func TestDummyByte(t *testing.T) {
	stream := protocol.EncodeStream(testInfo, true, config(16, 16), unit(1))
	s, err := Start(context.Background(), bytes.NewReader(stream), Options{
		Mode:            Unthreaded,
		ExpectDummyByte: true,
		NewDecoder:      decodertest.NewFake(0, 0).Factory(),
		SessionID:       "fixed-id",
	})
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, "fixed-id", s.ID())
	assert.Equal(t, Unthreaded, s.Mode())
	f, err := s.GetLatestFrame(-1)
	require.NoError(t, err)
	assert.NotNil(t, f)
	assert.Same(t, f, s.LatestSnapshot())
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "threaded", want: Threaded},
		{in: "", want: Threaded},
		{in: " Unthreaded ", want: Unthreaded},
		{in: "async", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "mode(5)", Mode(5).String())
}
