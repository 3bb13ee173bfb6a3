package verification

import (
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/example/face-verify/internal/imageprocessor"
)

// SubModel describes one anti-spoofing network and the input it expects. Names follow
// the "<scale>_<h>x<w>_<type>" convention, e.g. "2.7_80x80_MiniFASNetV2.onnx". A name
// starting with "org" takes the whole image instead of a scaled face crop.
type SubModel struct {
	Name   string
	Type   string
	Height int
	Width  int
	// Scale is the face box enlargement factor. Zero when WholeImage is set.
	Scale      float64
	WholeImage bool
}

// ParseSubModel decodes the input geometry from a sub-model file name.
func ParseSubModel(name string) (SubModel, error) {
	base := filepath.Base(name)
	stem := base
	if ext := filepath.Ext(base); !strings.Contains(ext, "_") {
		stem = strings.TrimSuffix(base, ext)
	}
	parts := strings.Split(stem, "_")
	if len(parts) < 3 {
		return SubModel{}, fmt.Errorf("sub-model %q: expected <scale>_<h>x<w>_<type>", base)
	}
	info := parts[:len(parts)-1]

	dims := strings.Split(info[len(info)-1], "x")
	if len(dims) != 2 {
		return SubModel{}, fmt.Errorf("sub-model %q: malformed input size %q", base, info[len(info)-1])
	}
	h, err := strconv.Atoi(dims[0])
	if err != nil || h <= 0 {
		return SubModel{}, fmt.Errorf("sub-model %q: bad input height %q", base, dims[0])
	}
	w, err := strconv.Atoi(dims[1])
	if err != nil || w <= 0 {
		return SubModel{}, fmt.Errorf("sub-model %q: bad input width %q", base, dims[1])
	}

	m := SubModel{Name: base, Type: parts[len(parts)-1], Height: h, Width: w}
	if info[0] == "org" {
		m.WholeImage = true
		return m, nil
	}
	scale, err := strconv.ParseFloat(info[0], 64)
	if err != nil || scale <= 0 {
		return SubModel{}, fmt.Errorf("sub-model %q: bad scale %q", base, info[0])
	}
	m.Scale = scale
	return m, nil
}

// ParseSubModels parses names in order, failing on the first bad one.
func ParseSubModels(names []string) ([]SubModel, error) {
	models := make([]SubModel, 0, len(names))
	for _, name := range names {
		m, err := ParseSubModel(name)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// CropRegion returns the pixels of a srcW x srcH image that the sub-model looks at for
// the given face box: the box enlarged by Scale around its centre (capped so it fits),
// shifted back inside the image.
func (m SubModel) CropRegion(srcW, srcH int, box BoundingBox) (image.Rectangle, error) {
	if m.WholeImage {
		return image.Rect(0, 0, srcW, srcH), nil
	}
	if box.Width <= 0 || box.Height <= 0 {
		return image.Rectangle{}, fmt.Errorf("empty face box %+v", box)
	}

	bw, bh := float64(box.Width), float64(box.Height)
	maxX, maxY := float64(srcW-1), float64(srcH-1)
	scale := math.Min(maxY/bh, math.Min(maxX/bw, m.Scale))

	newW, newH := bw*scale, bh*scale
	cx, cy := bw/2+float64(box.X), bh/2+float64(box.Y)

	ltx, lty := cx-newW/2, cy-newH/2
	rbx, rby := cx+newW/2, cy+newH/2
	if ltx < 0 {
		rbx -= ltx
		ltx = 0
	}
	if lty < 0 {
		rby -= lty
		lty = 0
	}
	if rbx > maxX {
		ltx -= rbx - maxX
		rbx = maxX
	}
	if rby > maxY {
		lty -= rby - maxY
		rby = maxY
	}

	// Corners are inclusive.
	return image.Rect(int(ltx), int(lty), int(rbx)+1, int(rby)+1), nil
}

// Crop prepares the model input from the selfie.
func (m SubModel) Crop(sample *imageprocessor.Sample, box BoundingBox) (*imageprocessor.Sample, error) {
	region, err := m.CropRegion(sample.Width(), sample.Height(), box)
	if err != nil {
		return nil, err
	}
	return sample.CropResize(region, m.Width, m.Height), nil
}
