// Package protocol parses the video socket of the device server: the
// handshake that opens the stream and the frame packets that follow it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/devicemirror/internal/channel"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
)

// DeviceNameLength is the fixed, NUL padded size of the device name field.
const DeviceNameLength = 64

// Codec is the fourcc codec id announced by the server, packed big-endian.
type Codec uint32

const (
	// CodecDisabled is announced when the server has no video stream.
	CodecDisabled Codec = 0
	// CodecConfigError is announced when the server failed to set up its encoder.
	CodecConfigError Codec = 1

	CodecH264 Codec = 0x68_32_36_34 // "h264"
	CodecH265 Codec = 0x68_32_36_35 // "h265"
	CodecAV1  Codec = 0x00_61_76_31 // "\x00av1"
)

func (c Codec) String() string {
	switch c {
	case CodecDisabled:
		return "disabled"
	case CodecConfigError:
		return "config-error"
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAV1:
		return "av1"
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(c))
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(c))
		}
	}
	return string(b[:])
}

// MarshalText renders the codec by name.
func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the forms produced by MarshalText.
func (c *Codec) UnmarshalText(text []byte) error {
	s := string(text)
	for _, known := range []Codec{CodecDisabled, CodecConfigError, CodecH264, CodecH265, CodecAV1} {
		if s == known.String() {
			*c = known
			return nil
		}
	}
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return fmt.Errorf("invalid codec %q: %w", s, err)
		}
		*c = Codec(v)
		return nil
	}
	if len(s) == 4 {
		*c = Codec(binary.BigEndian.Uint32([]byte(s)))
		return nil
	}
	return fmt.Errorf("invalid codec %q", s)
}

// StreamInfo describes the video stream. It never changes during a session.
type StreamInfo struct {
	DeviceName string `json:"device_name"`
	Codec      Codec  `json:"codec"`
	Width      uint32 `json:"width"`
	Height     uint32 `json:"height"`
}

// Size returns the announced video size as "WxH".
func (s StreamInfo) Size() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// HandshakeOptions controls the bytes expected before the device name.
type HandshakeOptions struct {
	// ExpectDummyByte is set for forward tunnels, where the server writes a
	// single 0x00 byte as soon as the connection is accepted.
	ExpectDummyByte bool
}

// ReadHandshake consumes the stream preamble and validates it. Only H.264
// video is accepted.
func ReadHandshake(r *channel.Reader, opts HandshakeOptions) (StreamInfo, error) {
	var info StreamInfo

	if opts.ExpectDummyByte {
		b, err := r.ReadByte()
		if err != nil {
			return info, handshakeReadError(err, "dummy byte")
		}
		if b != 0 {
			return info, apperrors.NewProtocolError(fmt.Sprintf("unexpected dummy byte 0x%02x", b))
		}
	}

	name, err := r.ReadFixedString(DeviceNameLength)
	if err != nil {
		return info, handshakeReadError(err, "device name")
	}
	info.DeviceName = name

	codec, err := r.ReadUint32()
	if err != nil {
		return info, handshakeReadError(err, "codec id")
	}
	info.Codec = Codec(codec)

	switch info.Codec {
	case CodecH264:
	case CodecDisabled:
		return info, apperrors.NewProtocolError("server reports no active video stream")
	case CodecConfigError:
		return info, apperrors.NewProtocolError("server failed to configure the video stream")
	default:
		return info, apperrors.NewProtocolError(fmt.Sprintf("unsupported codec %s", info.Codec)).
			WithDetails(map[string]interface{}{"codec_id": codec})
	}

	if info.Width, err = r.ReadUint32(); err != nil {
		return info, handshakeReadError(err, "width")
	}
	if info.Height, err = r.ReadUint32(); err != nil {
		return info, handshakeReadError(err, "height")
	}
	if info.Width == 0 || info.Height == 0 {
		return info, apperrors.NewProtocolError(fmt.Sprintf("invalid video size %dx%d", info.Width, info.Height))
	}

	return info, nil
}

// handshakeReadError turns an end of stream inside the preamble into a
// ChannelError: the session never started. A local close stays ChannelClosed.
func handshakeReadError(err error, field string) error {
	if channel.IsStopped(err) {
		return err
	}
	if apperrors.IsType(err, apperrors.ErrorTypeChannelClosed) {
		return apperrors.NewChannelError(err, "stream ended during handshake reading "+field)
	}
	return fmt.Errorf("handshake %s: %w", field, err)
}
