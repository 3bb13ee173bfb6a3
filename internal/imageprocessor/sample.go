package imageprocessor

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// Sample is a decoded image. It is never mutated after construction, so it can be
// shared by the stages of a single verification call.
type Sample struct {
	rgba   *image.RGBA
	format string
}

// NewSample copies img into an RGBA buffer anchored at the origin.
func NewSample(img image.Image, format string) *Sample {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &Sample{rgba: rgba, format: format}
}

// Width returns the sample width in pixels.
func (s *Sample) Width() int { return s.rgba.Rect.Dx() }

// Height returns the sample height in pixels.
func (s *Sample) Height() int { return s.rgba.Rect.Dy() }

// Format is the container format the sample was decoded from ("jpeg", "png", ...).
func (s *Sample) Format() string { return s.format }

// Image exposes the pixels as a read-only image.Image.
func (s *Sample) Image() image.Image { return s.rgba }

// RGBAAt returns the 8-bit channels of the pixel at (x, y).
func (s *Sample) RGBAAt(x, y int) (r, g, b, a uint8) {
	i := s.rgba.PixOffset(x, y)
	p := s.rgba.Pix[i : i+4 : i+4]
	return p[0], p[1], p[2], p[3]
}

// CropResize cuts region out of the sample and scales it bilinearly to w x h.
// An empty region means the whole sample.
func (s *Sample) CropResize(region image.Rectangle, w, h int) *Sample {
	if region.Empty() {
		region = s.rgba.Rect
	}
	region = region.Intersect(s.rgba.Rect)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), s.rgba, region, xdraw.Src, nil)
	return &Sample{rgba: dst, format: s.format}
}

// EncodeJPEG serialises the sample for capabilities that only accept encoded bytes.
func (s *Sample) EncodeJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePNG serialises the sample losslessly.
func (s *Sample) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.rgba); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
