// Package decoder defines the boundary between the stream assembler and the
// component that turns H.264 access units into pictures.
package decoder

import (
	"errors"
	"image"
	"time"
)

// ErrCorruptUnit is returned, possibly wrapped, by Decode when a single
// access unit could not be decoded. The decoder stays usable and the caller
// may continue with the next unit. Any other Decode error means the decoder
// is unusable.
var ErrCorruptUnit = errors.New("decoder: corrupt access unit")

// Picture is one decoded picture.
type Picture struct {
	Image image.Image
	// PTS of the access unit the picture was decoded from.
	PTS time.Duration
}

// Decoder consumes an Annex-B elementary stream in arrival order.
// Implementations need not be safe for concurrent use.
type Decoder interface {
	// Configure (re)initializes the decoder with the codec configuration
	// (SPS/PPS). It is called before the first Decode and again whenever
	// the stream sends a new configuration.
	Configure(config []byte) error
	// Decode feeds one access unit and returns the pictures that became
	// available, which may be none or several and may lag the input.
	Decode(unit []byte, pts time.Duration) ([]Picture, error)
	// Flush drains pictures still buffered inside the decoder. Configure
	// must be called again before the next Decode.
	Flush() ([]Picture, error)
	Close() error
}

// Factory creates one decoder per session.
type Factory func() (Decoder, error)

// IsCorrupt reports whether err marks a recoverable per-unit failure.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptUnit)
}
