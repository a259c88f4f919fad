package mirror

import (
	"fmt"
	"strings"

	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/protocol"
	"github.com/zsiec/devicemirror/pkg/decoder"
	"github.com/zsiec/devicemirror/pkg/frame"
)

// StreamInfo is the immutable stream description read from the handshake.
type StreamInfo = protocol.StreamInfo

// Frame is a decoded BGR24 picture.
type Frame = frame.Frame

// Logger is the structured logger sessions write to.
type Logger = logger.Logger

// Mode selects who drives the read and decode loop.
type Mode int

const (
	// Threaded runs the loop on a background goroutine for the whole
	// session. Pulls read the latest frame slot.
	Threaded Mode = iota
	// Unthreaded runs the loop inside GetLatestFrame only.
	Unthreaded
)

func (m Mode) String() string {
	switch m {
	case Threaded:
		return "threaded"
	case Unthreaded:
		return "unthreaded"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses "threaded" or "unthreaded".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "threaded":
		return Threaded, nil
	case "unthreaded":
		return Unthreaded, nil
	}
	return 0, fmt.Errorf("unknown session mode %q", s)
}

// Options configures a session. The zero value starts a threaded session
// decoding with ffmpeg from PATH.
type Options struct {
	Mode Mode

	// OnInit is called once after the handshake, before Start returns.
	OnInit func(info StreamInfo)
	// OnFrame is called on the worker goroutine for every decoded frame,
	// before the frame replaces the latest one. It must not block for long
	// and must not call Stop.
	OnFrame func(f *Frame)
	// OnError is called once with the error that ended the session. It is
	// not called for a clean end of stream or Stop.
	OnError func(err error)

	// NewDecoder creates the session's decoder. Defaults to ffmpeg.
	NewDecoder decoder.Factory

	// ExpectDummyByte is set when the tunnel is a forward tunnel.
	ExpectDummyByte bool
	// MaxPacketSize bounds a single frame payload. Zero selects
	// protocol.DefaultMaxPacketSize.
	MaxPacketSize int

	// SessionID tags logs and metrics. Defaults to a random UUID.
	SessionID string
	Logger    Logger
}
