// Package decodertest provides a scripted decoder.Decoder for tests.
package decodertest

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/zsiec/devicemirror/internal/h264"
	"github.com/zsiec/devicemirror/pkg/decoder"
)

var (
	// CorruptMarker makes Fake reject a unit with decoder.ErrCorruptUnit
	// when a unit starts with it.
	CorruptMarker = []byte("CORRUPT")

	// FatalMarker makes Fake fail a unit with a non-recoverable error.
	FatalMarker = []byte("FATAL")

	ErrFatal = errors.New("decodertest: scripted fatal error")
)

// Fake emits one picture per non-empty unit. Pictures are sized from the SPS
// in the config packet, or from Width and Height when the config carries no
// parsable SPS. Each picture has a flat video range luma of 16 plus its
// ordinal (mod 220) on neutral chroma.
type Fake struct {
	// Width and Height are the fallback picture size.
	Width, Height int

	// Lag holds pictures back for that many further units. Flush releases them.
	Lag int

	// ConfigureErr is returned by every Configure call when set.
	ConfigureErr error

	mu         sync.Mutex
	width      int
	height     int
	configured bool
	held       []decoder.Picture
	produced   int

	Configs [][]byte
	Units   [][]byte
	PTS     []time.Duration
	Flushes int
	Closed  bool
}

var _ decoder.Decoder = (*Fake)(nil)

// NewFake returns a Fake with a fallback size.
func NewFake(width, height int) *Fake {
	return &Fake{Width: width, Height: height}
}

// Factory returns a decoder.Factory that always hands out f.
func (f *Fake) Factory() decoder.Factory {
	return func() (decoder.Decoder, error) { return f, nil }
}

func (f *Fake) Configure(config []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Configs = append(f.Configs, append([]byte(nil), config...))
	if f.ConfigureErr != nil {
		return f.ConfigureErr
	}

	w, h, err := h264.SizeFromConfig(config)
	if err != nil {
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("decodertest: configure: %w", err)
		}
		w, h = f.Width, f.Height
	}
	f.width, f.height = w, h
	f.configured = true
	return nil
}

func (f *Fake) Decode(unit []byte, pts time.Duration) ([]decoder.Picture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.configured {
		return nil, errors.New("decodertest: decode before configure")
	}
	f.Units = append(f.Units, append([]byte(nil), unit...))
	f.PTS = append(f.PTS, pts)

	switch {
	case bytes.HasPrefix(unit, CorruptMarker):
		return nil, fmt.Errorf("%w: scripted", decoder.ErrCorruptUnit)
	case bytes.HasPrefix(unit, FatalMarker):
		return nil, ErrFatal
	case len(unit) == 0:
		return nil, nil
	}

	f.held = append(f.held, decoder.Picture{Image: f.picture(), PTS: pts})
	if len(f.held) <= f.Lag {
		return nil, nil
	}
	n := len(f.held) - f.Lag
	out := f.held[:n:n]
	f.held = append([]decoder.Picture(nil), f.held[n:]...)
	return out, nil
}

func (f *Fake) Flush() ([]decoder.Picture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Flushes++
	out := f.held
	f.held = nil
	f.configured = false
	return out, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	f.held = nil
	return nil
}

// UnitCount returns how many units reached Decode.
func (f *Fake) UnitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Units)
}

// ConfigCount returns how many times Configure was called.
func (f *Fake) ConfigCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Configs)
}

// IsClosed reports whether Close was called.
func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}

func (f *Fake) picture() *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, f.width, f.height), image.YCbCrSubsampleRatio420)
	luma := byte(16 + f.produced%220)
	f.produced++
	for i := range img.Y {
		img.Y[i] = luma
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}
