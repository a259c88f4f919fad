package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/zsiec/devicemirror/internal/channel"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
)

// HeaderSize is the size of the header preceding every frame packet.
const HeaderSize = 12

// DefaultMaxPacketSize bounds the payload length accepted from a header.
const DefaultMaxPacketSize = 10 << 20

// Header flag bits of the 64-bit pts_and_flags field.
const (
	FlagConfig   uint64 = 1 << 63
	FlagKeyFrame uint64 = 1 << 62
	ptsMask             = FlagKeyFrame - 1
)

// Packet is one framed chunk of the elementary stream.
type Packet struct {
	// PTS is the presentation timestamp. HasPTS is false for config packets.
	PTS      time.Duration
	HasPTS   bool
	Config   bool
	KeyFrame bool
	Payload  []byte
}

func (p Packet) String() string {
	kind := "media"
	switch {
	case p.Config:
		kind = "config"
	case p.KeyFrame:
		kind = "key"
	}
	if !p.HasPTS {
		return fmt.Sprintf("%s packet (%d bytes)", kind, len(p.Payload))
	}
	return fmt.Sprintf("%s packet pts=%s (%d bytes)", kind, p.PTS, len(p.Payload))
}

// ParseHeader decodes a frame header into a packet without payload and the
// payload length.
func ParseHeader(h [HeaderSize]byte) (Packet, uint32) {
	ptsAndFlags := binary.BigEndian.Uint64(h[0:8])
	length := binary.BigEndian.Uint32(h[8:12])

	p := Packet{
		Config:   ptsAndFlags&FlagConfig != 0,
		KeyFrame: ptsAndFlags&FlagKeyFrame != 0,
	}
	if !p.Config {
		p.PTS = time.Duration(ptsAndFlags&ptsMask) * time.Microsecond
		p.HasPTS = true
	}
	return p, length
}

// PacketReader yields frame packets in arrival order. A read that times out
// keeps the bytes of the packet in progress, so the next call resumes it.
type PacketReader struct {
	r       *channel.Reader
	maxSize int
	header  [HeaderSize]byte
	count   int64
	done    bool

	// packet in progress
	headerN  int
	pending  *Packet
	payloadN int
}

// NewPacketReader reads packets from r. A maxSize of zero or less selects
// DefaultMaxPacketSize.
func NewPacketReader(r *channel.Reader, maxSize int) *PacketReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &PacketReader{r: r, maxSize: maxSize}
}

// Next reads one packet. It returns io.EOF when the stream ended cleanly on a
// packet boundary. An end of stream inside a header or payload is a
// ChannelError, a length above the size limit a ProtocolError, and a read
// interrupted by a local close a ChannelClosed error. A read deadline
// yields the channel timeout error and the packet is resumed by the next
// call. After any other error every call returns io.EOF.
func (pr *PacketReader) Next() (Packet, error) {
	if pr.done {
		return Packet{}, io.EOF
	}
	p, err := pr.next()
	if err != nil && !channel.IsTimeout(err) {
		pr.done = true
	}
	return p, err
}

func (pr *PacketReader) next() (Packet, error) {
	if pr.pending == nil {
		if err := pr.readHeader(); err != nil {
			return Packet{}, err
		}
	}

	p := pr.pending
	n, err := pr.r.Fill(p.Payload[pr.payloadN:])
	pr.payloadN += n
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeChannelClosed) && !channel.IsStopped(err) {
			return Packet{}, apperrors.NewChannelError(err, fmt.Sprintf("stream ended inside a %d byte frame payload", len(p.Payload)))
		}
		return Packet{}, err
	}

	pr.pending = nil
	pr.headerN = 0
	pr.payloadN = 0
	pr.count++
	return *p, nil
}

func (pr *PacketReader) readHeader() error {
	n, err := pr.r.Fill(pr.header[pr.headerN:])
	pr.headerN += n
	if err != nil {
		switch {
		case channel.IsStopped(err), channel.IsTimeout(err):
			return err
		case channel.IsEndOfStream(err) && pr.headerN == 0:
			return io.EOF
		case apperrors.IsType(err, apperrors.ErrorTypeChannelClosed):
			return apperrors.NewChannelError(err, "stream ended inside a frame header")
		}
		return err
	}

	p, length := ParseHeader(pr.header)
	if int64(length) > int64(pr.maxSize) {
		return apperrors.NewProtocolError(fmt.Sprintf("frame payload of %d bytes exceeds limit of %d", length, pr.maxSize)).
			WithDetails(map[string]interface{}{"packet": pr.count, "length": length})
	}
	p.Payload = make([]byte, length)
	pr.pending = &p
	return nil
}

// Count returns the number of packets read so far.
func (pr *PacketReader) Count() int64 {
	return pr.count
}

// All returns the remaining packets as a single-use sequence. Iteration stops
// silently at a clean end of stream; any other error is yielded once as the
// final element.
func (pr *PacketReader) All() iter.Seq2[Packet, error] {
	return func(yield func(Packet, error) bool) {
		for {
			p, err := pr.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Packet{}, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}
