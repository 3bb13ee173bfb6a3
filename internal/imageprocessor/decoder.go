package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

var (
	// ErrEmptyImage is returned for zero-length uploads.
	ErrEmptyImage = errors.New("image is empty")
	// ErrNotAnImage is returned when the bytes do not sniff as an image.
	ErrNotAnImage = errors.New("content is not an image")
	// ErrImageTooSmall is returned when a decoded image has fewer pixels than required.
	ErrImageTooSmall = errors.New("image dimensions too small")
	// ErrImageTooLarge is returned when the declared dimensions exceed the pixel cap.
	ErrImageTooLarge = errors.New("image dimensions too large")
)

// DefaultMaxPixels caps width*height before any pixel data is decoded.
const DefaultMaxPixels = 40_000_000

// DecodeError reports why a byte slice could not be turned into a Sample.
type DecodeError struct {
	MIME string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.MIME != "" {
		return fmt.Sprintf("decode %s: %v", e.MIME, e.Err)
	}
	return fmt.Sprintf("decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns encoded image bytes into a Sample.
type Decoder interface {
	Decode(data []byte) (*Sample, error)
}

// StdDecoder decodes JPEG, PNG, GIF and WebP with the standard image registry.
type StdDecoder struct {
	minSide   int
	maxPixels int
}

// DecoderOption customises a StdDecoder.
type DecoderOption func(*StdDecoder)

// WithMaxPixels sets the largest width*height accepted. Non-positive values keep the default.
func WithMaxPixels(n int) DecoderOption {
	return func(d *StdDecoder) {
		if n > 0 {
			d.maxPixels = n
		}
	}
}

// NewDecoder builds a decoder rejecting images whose shorter side is below minSide pixels.
func NewDecoder(minSide int, opts ...DecoderOption) *StdDecoder {
	if minSide < 1 {
		minSide = 1
	}
	d := &StdDecoder{minSide: minSide, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode sniffs the bytes, checks the declared dimensions, decodes them and copies the pixels into a Sample.
func (d *StdDecoder) Decode(data []byte) (*Sample, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyImage}
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, &DecodeError{MIME: mtype.String(), Err: ErrNotAnImage}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{MIME: mtype.String(), Err: err}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(d.maxPixels) {
		return nil, &DecodeError{MIME: mtype.String(), Err: fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{MIME: mtype.String(), Err: err}
	}

	b := img.Bounds()
	if b.Dx() < d.minSide || b.Dy() < d.minSide {
		return nil, &DecodeError{MIME: mtype.String(), Err: fmt.Errorf("%w: %dx%d", ErrImageTooSmall, b.Dx(), b.Dy())}
	}

	return NewSample(img, format), nil
}

// IsImageContentType reports whether a declared upload content type is an image type.
func IsImageContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
