// Package pipeline feeds access units to a decoder and publishes every
// decoded picture as a BGR24 frame.
package pipeline

import (
	"sync/atomic"
	"time"

	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/metrics"
	"github.com/zsiec/devicemirror/internal/protocol"
	"github.com/zsiec/devicemirror/pkg/decoder"
	"github.com/zsiec/devicemirror/pkg/frame"
)

// Publisher receives converted frames in decode order.
type Publisher interface {
	Publish(f *frame.Frame)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(f *frame.Frame)

func (fn PublisherFunc) Publish(f *frame.Frame) { fn(f) }

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	UnitsDecoded uint64 `json:"units_decoded"`
	CorruptUnits uint64 `json:"corrupt_units"`
	Frames       uint64 `json:"frames_decoded"`
}

// Pipeline owns one decoder. It implements assembler.Sink and is not safe for
// concurrent use apart from Stats.
type Pipeline struct {
	dec     decoder.Decoder
	pub     Publisher
	log     *logger.SampledLogger
	metrics *metrics.Session

	configured bool
	seq        uint64

	unitsDecoded atomic.Uint64
	corruptUnits atomic.Uint64
	frames       atomic.Uint64
}

// New returns a pipeline publishing to pub. m may be nil.
func New(dec decoder.Decoder, pub Publisher, log logger.Logger, m *metrics.Session) *Pipeline {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Pipeline{
		dec:     dec,
		pub:     pub,
		log:     logger.NewSessionLogger(log.WithField("component", "pipeline")),
		metrics: m,
	}
}

// Configure (re)initializes the decoder. Failures are DecodeErrors.
func (p *Pipeline) Configure(config []byte) error {
	if err := p.dec.Configure(config); err != nil {
		return apperrors.NewDecodeError(err, "decoder initialization failed")
	}
	p.configured = true
	return nil
}

// Decode feeds one access unit and publishes the pictures it yields. A
// corrupt unit is logged and skipped; any other decoder failure is returned
// as a DecodeError.
func (p *Pipeline) Decode(pkt protocol.Packet) error {
	start := time.Now()
	pics, err := p.dec.Decode(pkt.Payload, pkt.PTS)
	if err != nil {
		if decoder.IsCorrupt(err) {
			p.corruptUnits.Add(1)
			p.metrics.CorruptUnit()
			p.log.WarnWithCategory(logger.CategoryCorrupt, "Skipping undecodable access unit", map[string]interface{}{
				"error":        err.Error(),
				"packet_bytes": len(pkt.Payload),
				"pts":          pkt.PTS,
				"key_frame":    pkt.KeyFrame,
			})
			return nil
		}
		return apperrors.NewDecodeError(err, "decoder failed").
			WithDetails(map[string]interface{}{"pts": pkt.PTS.String(), "packet_bytes": len(pkt.Payload)})
	}

	p.unitsDecoded.Add(1)
	p.metrics.UnitDecoded(len(pics), time.Since(start))
	p.publish(pics)
	return nil
}

// Flush publishes the pictures still buffered in the decoder. It is a no-op
// before the first successful Configure.
func (p *Pipeline) Flush() error {
	if !p.configured {
		return nil
	}
	p.configured = false
	pics, err := p.dec.Flush()
	p.publish(pics)
	if err != nil {
		return apperrors.NewDecodeError(err, "decoder flush failed")
	}
	return nil
}

// Close releases the decoder.
func (p *Pipeline) Close() error {
	return p.dec.Close()
}

func (p *Pipeline) publish(pics []decoder.Picture) {
	for _, pic := range pics {
		if pic.Image == nil {
			continue
		}
		f := frame.FromImage(pic.Image, pic.PTS)
		p.seq++
		f.Seq = p.seq
		p.frames.Add(1)
		p.log.DebugWithCategory(logger.CategoryDelivery, "Publishing frame", map[string]interface{}{
			"seq":    f.Seq,
			"pts":    f.PTS,
			"width":  f.Width,
			"height": f.Height,
		})
		p.pub.Publish(f)
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		UnitsDecoded: p.unitsDecoded.Load(),
		CorruptUnits: p.corruptUnits.Load(),
		Frames:       p.frames.Load(),
	}
}
