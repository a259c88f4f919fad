// Package assembler gates the frame packet sequence so that the decoder never
// sees an access unit before a codec configuration.
package assembler

import (
	"fmt"
	"sync/atomic"

	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/h264"
	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/metrics"
	"github.com/zsiec/devicemirror/internal/protocol"
)

// State of the assembler.
type State int32

const (
	AwaitingConfig State = iota
	Streaming
)

func (s State) String() string {
	switch s {
	case AwaitingConfig:
		return "awaiting_config"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sink receives what the assembler lets through, in arrival order.
type Sink interface {
	// Configure (re)initializes decoding with a config packet payload.
	Configure(config []byte) error
	// Decode handles one access unit.
	Decode(p protocol.Packet) error
}

// Stats is a snapshot of the assembler counters.
type Stats struct {
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	ConfigPackets uint64 `json:"config_packets"`
	Dropped       uint64 `json:"dropped_before_config"`
	Forwarded     uint64 `json:"forwarded"`
	DecoderInits  uint64 `json:"decoder_inits"`
}

// Assembler is the two state machine between the packet reader and the
// decode pipeline. Push must be called from a single goroutine; State and
// Stats may be read concurrently.
type Assembler struct {
	sink    Sink
	log     *logger.SampledLogger
	metrics *metrics.Session

	state atomic.Int32
	// picture size announced by the last config, 0 if unknown
	width  atomic.Int32
	height atomic.Int32

	packets       atomic.Uint64
	bytes         atomic.Uint64
	configPackets atomic.Uint64
	dropped       atomic.Uint64
	forwarded     atomic.Uint64
	decoderInits  atomic.Uint64
}

// New returns an assembler in the AwaitingConfig state. m may be nil.
func New(sink Sink, log logger.Logger, m *metrics.Session) *Assembler {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Assembler{
		sink:    sink,
		log:     logger.NewSessionLogger(log.WithField("component", "assembler")),
		metrics: m,
	}
}

// State returns the current state.
func (a *Assembler) State() State {
	return State(a.state.Load())
}

// Push handles one packet. Access units arriving before the first config
// packet are dropped. Every config packet (re)initializes the sink; a
// failure there is returned as a DecodeError. Errors from the sink's Decode
// are returned unchanged.
func (a *Assembler) Push(p protocol.Packet) error {
	a.packets.Add(1)
	a.bytes.Add(uint64(len(p.Payload)))
	a.metrics.PacketReceived(len(p.Payload), p.Config)

	if p.Config {
		return a.configure(p.Payload)
	}

	if a.State() == AwaitingConfig {
		a.dropped.Add(1)
		a.metrics.PreConfigDropped()
		a.log.DebugWithCategory(logger.CategoryPreConfig, "Dropping access unit received before codec configuration", map[string]interface{}{
			"packet_bytes": len(p.Payload),
			"key_frame":    p.KeyFrame,
			"pts":          p.PTS,
		})
		return nil
	}

	a.forwarded.Add(1)
	return a.sink.Decode(p)
}

func (a *Assembler) configure(config []byte) error {
	a.configPackets.Add(1)

	fields := map[string]interface{}{
		"config_bytes": len(config),
		"state":        a.State().String(),
	}
	if w, h, err := h264.SizeFromConfig(config); err == nil {
		fields["width"], fields["height"] = w, h
		if pw, ph := a.Size(); pw != 0 && (w != pw || h != ph) {
			fields["previous_size"] = fmt.Sprintf("%dx%d", pw, ph)
		}
		a.width.Store(int32(w))
		a.height.Store(int32(h))
	} else {
		fields["sps_error"] = err.Error()
	}

	if err := a.sink.Configure(config); err != nil {
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.NewDecodeError(err, "decoder initialization failed")
	}

	a.decoderInits.Add(1)
	a.metrics.DecoderInitialized()
	a.forwarded.Add(1)
	a.state.Store(int32(Streaming))
	a.log.InfoWithCategory(logger.CategoryConfig, "Decoder configured", fields)
	return nil
}

// Size returns the picture size announced by the last config packet. It may
// differ from the handshake size after a rotation. Safe for concurrent use.
func (a *Assembler) Size() (width, height int) {
	return int(a.width.Load()), int(a.height.Load())
}

// Stats returns a snapshot of the counters.
func (a *Assembler) Stats() Stats {
	return Stats{
		Packets:       a.packets.Load(),
		Bytes:         a.bytes.Load(),
		ConfigPackets: a.configPackets.Load(),
		Dropped:       a.dropped.Load(),
		Forwarded:     a.forwarded.Load(),
		DecoderInits:  a.decoderInits.Load(),
	}
}
