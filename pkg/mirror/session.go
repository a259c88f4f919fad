// Package mirror is the consumer facing surface of a device mirroring
// session: it reads the video socket, decodes the stream and hands out the
// latest frame by pull or push.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/devicemirror/internal/assembler"
	"github.com/zsiec/devicemirror/internal/channel"
	"github.com/zsiec/devicemirror/internal/delivery"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/metrics"
	"github.com/zsiec/devicemirror/internal/pipeline"
	"github.com/zsiec/devicemirror/internal/protocol"
	"github.com/zsiec/devicemirror/pkg/decoder"
)

// Stats is a snapshot of the session counters.
type Stats struct {
	State               string    `json:"state"`
	StartedAt           time.Time `json:"started_at"`
	Width               int       `json:"width"`
	Height              int       `json:"height"`
	Packets             uint64    `json:"packets"`
	Bytes               uint64    `json:"bytes"`
	ConfigPackets       uint64    `json:"config_packets"`
	DroppedBeforeConfig uint64    `json:"dropped_before_config"`
	DecoderInits        uint64    `json:"decoder_inits"`
	UnitsDecoded        uint64    `json:"units_decoded"`
	CorruptUnits        uint64    `json:"corrupt_units"`
	FramesPublished     uint64    `json:"frames_published"`
	FramesOverwritten   uint64    `json:"frames_overwritten"`
}

// Session is one mirroring session over one channel. It owns the channel and
// its decoder exclusively.
type Session struct {
	id        string
	info      StreamInfo
	opts      Options
	log       logger.Logger
	events    *logger.SampledLogger
	metrics   *metrics.Session
	startedAt time.Time

	reader    *channel.Reader
	packets   *protocol.PacketReader
	assembler *assembler.Assembler
	pipeline  *pipeline.Pipeline
	slot      *delivery.Slot

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	pullMu     sync.Mutex // serializes unthreaded pulls with Stop
	pending    []*Frame   // decoded in unthreaded mode, not yet handed out
	finishOnce sync.Once
	done       chan struct{}
}

// Start reads the handshake from conn and starts a session. conn is closed
// when the session ends; if it implements io.Closer, Stop uses that to
// interrupt a blocked read. Cancelling ctx stops the session.
//
// Handshake failures are returned as ProtocolError or ChannelError and a
// failing decoder factory as DecodeError; conn is closed in every error case.
func Start(ctx context.Context, conn io.Reader, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}

	reader := channel.New(conn)
	stopHandshake := context.AfterFunc(ctx, func() { _ = reader.Close() })
	info, err := protocol.ReadHandshake(reader, protocol.HandshakeOptions{ExpectDummyByte: opts.ExpectDummyByte})
	if !stopHandshake() {
		return nil, apperrors.NewChannelClosed(ctx.Err(), "session start cancelled")
	}
	if err != nil {
		_ = reader.Close()
		return nil, err
	}

	newDecoder := opts.NewDecoder
	if newDecoder == nil {
		newDecoder = decoder.FFmpegFactory(decoder.FFmpegOptions{Logger: log})
	}
	dec, err := newDecoder()
	if err != nil {
		_ = reader.Close()
		return nil, apperrors.NewDecodeError(err, "decoder creation failed")
	}

	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	log = logger.WithSession(log, opts.SessionID, info.DeviceName)
	m := metrics.ForDevice(info.DeviceName)

	s := &Session{
		id:        opts.SessionID,
		info:      info,
		opts:      opts,
		log:       log,
		events:    logger.NewSessionLogger(log.WithField("component", "session")),
		metrics:   m,
		startedAt: time.Now(),
		reader:    reader,
		packets:   protocol.NewPacketReader(reader, opts.MaxPacketSize),
		slot:      delivery.NewSlot(m.FrameOverwritten),
		done:      make(chan struct{}),
	}
	s.pipeline = pipeline.New(dec, pipeline.PublisherFunc(s.publish), log, m)
	s.assembler = assembler.New(s.pipeline, log, m)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopWatch = context.AfterFunc(s.ctx, func() { _ = s.reader.Close() })

	m.Started()
	log.WithFields(map[string]interface{}{
		"codec": info.Codec.String(),
		"size":  info.Size(),
		"mode":  opts.Mode.String(),
	}).Info("Mirroring session started")

	if opts.OnInit != nil {
		s.callback("init", func() { opts.OnInit(info) })
	}

	if opts.Mode == Threaded {
		go s.run()
	}
	return s, nil
}

// run is the threaded worker loop.
func (s *Session) run() {
	for {
		if s.ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if err := s.step(); err != nil {
			s.finish(err)
			return
		}
	}
}

// step reads one packet and pushes it through the assembler and decoder.
func (s *Session) step() error {
	p, err := s.packets.Next()
	if err != nil {
		return err
	}
	s.events.DebugWithCategory(logger.CategoryPacket, "Packet received", map[string]interface{}{
		"packet": p.String(),
		"count":  s.packets.Count(),
	})
	return s.assembler.Push(p)
}

func (s *Session) publish(f *Frame) {
	if s.opts.OnFrame != nil {
		s.callback("frame", func() { s.opts.OnFrame(f) })
	}
	if s.opts.Mode == Unthreaded {
		s.pending = append(s.pending, f)
		return
	}
	s.slot.Publish(f)
}

// callback runs a consumer callback, logging instead of propagating a panic.
func (s *Session) callback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.events.WarnWithCategory(logger.CategoryCallback, "Callback panicked", map[string]interface{}{
				"callback": name,
				"panic":    fmt.Sprint(r),
			})
		}
	}()
	fn()
}

// finish tears the session down once. err is the reason the loop stopped:
// io.EOF for a clean end of stream, a stopped-channel error for Stop, or
// the terminal failure.
func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		switch {
		case err == io.EOF:
			err = s.pipeline.Flush()
		case channel.IsStopped(err):
			err = nil
		}

		_ = s.reader.Close()
		if cerr := s.pipeline.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("Failed to close decoder")
		}
		s.slot.Close(err)
		s.stopWatch()
		s.cancel()

		stats := s.Stats()
		fields := map[string]interface{}{
			"packets":            stats.Packets,
			"frames_published":   stats.FramesPublished,
			"frames_overwritten": stats.FramesOverwritten,
			"corrupt_units":      stats.CorruptUnits,
			"duration":           time.Since(s.startedAt).String(),
		}
		if err != nil {
			s.metrics.Ended(errorType(err))
			s.log.WithFields(fields).WithError(err).Error("Mirroring session failed")
			if s.opts.OnError != nil {
				s.callback("error", func() { s.opts.OnError(err) })
			}
		} else {
			s.metrics.Ended("")
			s.log.WithFields(fields).Info("Mirroring session ended")
		}
		close(s.done)
	})
}

func errorType(err error) string {
	if appErr, ok := apperrors.GetAppError(err); ok {
		return string(appErr.Type)
	}
	return string(apperrors.ErrorTypeInternal)
}

// GetLatestFrame returns a decoded frame, or nil if none is available.
//
// In threaded mode a zero timeout returns the stored frame immediately. A
// positive timeout returns a frame not handed out before, waiting up to
// timeout for one to be published; a negative timeout waits until one is
// published or the session ends.
//
// In unthreaded mode the call reads and decodes packets until a frame is
// produced or the stream ends. Frames are handed out one per call in decode
// order, so pictures a lagging decoder releases together are not lost. A
// positive timeout also bounds a read on a silent channel when the stream
// supports read deadlines; otherwise it is checked between packets.
//
// After the session ends an undelivered last frame is still returned, then
// the terminal error once, then nil with a nil error.
func (s *Session) GetLatestFrame(timeout time.Duration) (*Frame, error) {
	if s.opts.Mode == Unthreaded {
		return s.pullSync(timeout)
	}

	if timeout == 0 {
		if f := s.slot.Latest(); f != nil {
			return f, nil
		}
		return nil, s.slot.TakeError()
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	f, err := s.slot.Next(ctx)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, delivery.ErrClosed):
		return nil, s.slot.TakeError()
	}
	return nil, nil
}

func (s *Session) pullSync(timeout time.Duration) (*Frame, error) {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if !s.slot.Closed() {
		if err := s.reader.SetReadDeadline(deadline); err != nil && !errors.Is(err, channel.ErrDeadlineUnsupported) {
			s.log.WithError(err).Debug("Failed to set read deadline")
		}
	}

	for {
		if f := s.nextPending(); f != nil {
			return f, nil
		}
		if s.slot.Closed() {
			return nil, s.slot.TakeError()
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil
		}
		if s.ctx.Err() != nil {
			s.finish(nil)
			continue
		}
		if err := s.step(); err != nil {
			if channel.IsTimeout(err) {
				return nil, nil
			}
			s.finish(err)
		}
	}
}

// nextPending hands out the oldest frame not yet returned by a pull and
// makes it the slot's current frame.
func (s *Session) nextPending() *Frame {
	if len(s.pending) == 0 {
		return nil
	}
	f := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.slot.Deliver(f)
	return f
}

// Stop ends the session: it closes the channel, which interrupts a pending
// read, waits for the worker and releases the decoder. It is safe to call
// more than once and from any goroutine except inside callbacks.
func (s *Session) Stop() error {
	s.cancel()
	_ = s.reader.Close()

	if s.opts.Mode == Threaded {
		<-s.done
		return nil
	}

	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	s.finish(nil)
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Info returns the stream description from the handshake.
func (s *Session) Info() StreamInfo {
	return s.info
}

// Mode returns the delivery mode.
func (s *Session) Mode() Mode {
	return s.opts.Mode
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session. It is nil while running and
// after a clean end or Stop.
func (s *Session) Err() error {
	return s.slot.Err()
}

// LatestSnapshot returns the stored frame without marking it delivered to
// pull consumers.
func (s *Session) LatestSnapshot() *Frame {
	return s.slot.Peek()
}

// Stats returns a snapshot of the session counters. Safe for concurrent use.
func (s *Session) Stats() Stats {
	as := s.assembler.Stats()
	ps := s.pipeline.Stats()
	ds := s.slot.Stats()

	state := s.assembler.State().String()
	if s.slot.Closed() {
		state = "ended"
	}
	width, height := s.assembler.Size()
	return Stats{
		State:               state,
		StartedAt:           s.startedAt,
		Width:               width,
		Height:              height,
		Packets:             as.Packets,
		Bytes:               as.Bytes,
		ConfigPackets:       as.ConfigPackets,
		DroppedBeforeConfig: as.Dropped,
		DecoderInits:        as.DecoderInits,
		UnitsDecoded:        ps.UnitsDecoded,
		CorruptUnits:        ps.CorruptUnits,
		FramesPublished:     ds.Published,
		FramesOverwritten:   ds.Overwritten,
	}
}
