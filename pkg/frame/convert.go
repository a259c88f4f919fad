package frame

import (
	"image"
	"image/color"
	"time"
)

// FromImage converts a decoded picture to a BGR24 frame. YCbCr input is
// treated as BT.601 limited range video (Y 16-235, Cb/Cr 16-240), the range
// the device encoder signals.
func FromImage(img image.Image, pts time.Duration) *Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy())
	f.PTS = pts

	switch src := img.(type) {
	case *image.YCbCr:
		fromYCbCr(f, src)
	case *image.RGBA:
		fromPacked(f, src.Pix, src.Stride)
	case *image.NRGBA:
		// opaque decoder output: alpha is ignored
		fromPacked(f, src.Pix, src.Stride)
	default:
		for y := 0; y < f.Height; y++ {
			row := f.Data[y*f.Stride:]
			for x := 0; x < f.Width; x++ {
				c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
				row[x*3+0] = c.B
				row[x*3+1] = c.G
				row[x*3+2] = c.R
			}
		}
	}
	return f
}

func fromYCbCr(f *Frame, src *image.YCbCr) {
	r := src.Rect
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			yi := src.YOffset(r.Min.X+x, r.Min.Y+y)
			ci := src.COffset(r.Min.X+x, r.Min.Y+y)
			rr, gg, bb := videoToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
			row[x*3+0] = bb
			row[x*3+1] = gg
			row[x*3+2] = rr
		}
	}
}

// BT.601 limited range coefficients in 16.16 fixed point.
const (
	coefY  = 76309  // 255/219
	coefRV = 104597 // 1.596
	coefGU = 25675  // 0.392
	coefGV = 53279  // 0.813
	coefBU = 132201 // 2.017
	half   = 1 << 15
)

func videoToRGB(y, cb, cr uint8) (r, g, b uint8) {
	yy := (int32(y) - 16) * coefY
	u := int32(cb) - 128
	v := int32(cr) - 128
	return clamp8(yy + coefRV*v + half),
		clamp8(yy - coefGU*u - coefGV*v + half),
		clamp8(yy + coefBU*u + half)
}

func clamp8(v int32) uint8 {
	v >>= 16
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// fromPacked converts 4 byte RGBA-ordered rows starting at the image origin.
func fromPacked(f *Frame, pix []byte, stride int) {
	for y := 0; y < f.Height; y++ {
		src := pix[y*stride:]
		row := f.Data[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			row[x*3+0] = src[x*4+2]
			row[x*3+1] = src[x*4+1]
			row[x*3+2] = src[x*4+0]
		}
	}
}
