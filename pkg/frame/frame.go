// Package frame defines the decoded picture handed to consumers: a packed
// BGR24 buffer with explicit geometry.
package frame

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// PixelFormat identifies the memory layout of Frame.Data.
type PixelFormat uint8

const (
	PixelFormatUnknown PixelFormat = iota
	// PixelFormatBGR24 stores 3 bytes per pixel in B, G, R order, rows top to
	// bottom.
	PixelFormatBGR24
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGR24:
		return "bgr24"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the pixel size of the format.
func (p PixelFormat) BytesPerPixel() int {
	if p == PixelFormatBGR24 {
		return 3
	}
	return 0
}

// Frame is an immutable decoded picture. Once published a Frame is never
// written to; use Clone before modifying the pixels.
type Frame struct {
	// Seq is the publish order within the session, starting at 1.
	Seq uint64
	// PTS is the presentation timestamp of the access unit that produced
	// the picture.
	PTS time.Duration

	Width  int
	Height int
	Stride int // bytes per row
	Format PixelFormat
	Data   []byte // len(Data) == Stride*Height
}

// New allocates a black BGR24 frame.
func New(width, height int) *Frame {
	stride := width * PixelFormatBGR24.BytesPerPixel()
	return &Frame{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: PixelFormatBGR24,
		Data:   make([]byte, stride*height),
	}
}

// Validate checks the geometry invariants.
func (f *Frame) Validate() error {
	switch {
	case f.Format != PixelFormatBGR24:
		return fmt.Errorf("frame: unsupported pixel format %s", f.Format)
	case f.Width <= 0 || f.Height <= 0:
		return fmt.Errorf("frame: invalid size %dx%d", f.Width, f.Height)
	case f.Stride != f.Width*f.Format.BytesPerPixel():
		return fmt.Errorf("frame: stride %d does not match width %d", f.Stride, f.Width)
	case len(f.Data) != f.Stride*f.Height:
		return fmt.Errorf("frame: %d data bytes, want %d", len(f.Data), f.Stride*f.Height)
	}
	return nil
}

// BGR returns the pixel at (x, y).
func (f *Frame) BGR(x, y int) (b, g, r uint8) {
	i := y*f.Stride + x*3
	return f.Data[i], f.Data[i+1], f.Data[i+2]
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame #%d %dx%d %s pts=%s", f.Seq, f.Width, f.Height, f.Format, f.PTS)
}

// Image returns a read-only image.Image view over the frame without copying.
func (f *Frame) Image() image.Image {
	return bgrImage{f}
}

// ToRGBA converts the frame into a new *image.RGBA.
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*f.Stride : y*f.Stride+f.Width*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			dst[x*4+0] = src[x*3+2]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+0]
			dst[x*4+3] = 0xff
		}
	}
	return img
}

type bgrImage struct {
	f *Frame
}

func (b bgrImage) ColorModel() color.Model { return color.RGBAModel }
func (b bgrImage) Bounds() image.Rectangle { return image.Rect(0, 0, b.f.Width, b.f.Height) }

func (b bgrImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(b.Bounds())) {
		return color.RGBA{}
	}
	bl, g, r := b.f.BGR(x, y)
	return color.RGBA{R: r, G: g, B: bl, A: 0xff}
}
