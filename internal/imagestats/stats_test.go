package imagestats

import (
	"image"
	"image/color"
	"math"
	"testing"

	"gocv.io/x/gocv"

	"github.com/example/face-verify/internal/imageprocessor"
)

func createTestSample(w, h int, fill func(x, y int) color.RGBA) *imageprocessor.Sample {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill(x, y))
		}
	}
	return imageprocessor.NewSample(img, "png")
}

func uniform(c color.RGBA) func(x, y int) color.RGBA {
	return func(int, int) color.RGBA { return c }
}

func verticalSplit(x, _ int) color.RGBA {
	if x < 50 {
		return color.RGBA{0, 0, 0, 255}
	}
	return color.RGBA{255, 255, 255, 255}
}

func TestMeasureUniformImage(t *testing.T) {
	stats := NewCalculator().Measure(createTestSample(100, 100, uniform(color.RGBA{128, 128, 128, 255})))

	if stats.Sharpness != 0 {
		t.Errorf("expected zero sharpness for uniform image, got %f", stats.Sharpness)
	}
	if stats.ColorVariance != 0 {
		t.Errorf("expected zero color variance for uniform image, got %f", stats.ColorVariance)
	}
	if stats.EdgeDensity != 0 {
		t.Errorf("expected no edges for uniform image, got %f", stats.EdgeDensity)
	}
}

func TestMeasureSplitImage(t *testing.T) {
	stats := NewCalculator().Measure(createTestSample(100, 100, verticalSplit))

	// Two columns of +-255 responses over 10000 pixels.
	if math.Abs(stats.Sharpness-1300.5) > 1e-6 {
		t.Errorf("expected sharpness 1300.5, got %f", stats.Sharpness)
	}
	// Half 0, half 255 in every channel.
	if math.Abs(stats.ColorVariance-16256.25) > 1e-6 {
		t.Errorf("expected color variance 16256.25, got %f", stats.ColorVariance)
	}
	// Non-maximum suppression keeps a single column along the boundary.
	if math.Abs(stats.EdgeDensity-0.01) > 1e-9 {
		t.Errorf("expected edge density 0.01, got %f", stats.EdgeDensity)
	}
}

func TestColorVarianceAveragesChannels(t *testing.T) {
	sample := createTestSample(10, 10, func(x, _ int) color.RGBA {
		if x%2 == 0 {
			return color.RGBA{0, 0, 0, 255}
		}
		return color.RGBA{200, 0, 0, 255}
	})
	// Only the red channel varies: variance 100^2, averaged over three channels.
	want := 10000.0 / 3
	if got := ColorVariance(sample); math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestGrayMatUsesLumaWeights(t *testing.T) {
	gray, err := grayMat(createTestSample(1, 1, uniform(color.RGBA{255, 0, 0, 255})))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	defer gray.Close()
	if got := gray.GetUCharAt(0, 0); got != 76 {
		t.Fatalf("expected luma 76 for pure red, got %d", got)
	}
}

func TestEdgeDensityOfEmptyMat(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	if got := EdgeDensity(empty, CannyLowThreshold, CannyHighThreshold); got != 0 {
		t.Fatalf("expected zero density for an empty matrix, got %f", got)
	}
	if got := LaplacianVariance(empty); got != 0 {
		t.Fatalf("expected zero sharpness for an empty matrix, got %f", got)
	}
}

func TestMeasureNilSample(t *testing.T) {
	if stats := NewCalculator().Measure(nil); stats != (Statistics{}) {
		t.Fatalf("expected zero statistics, got %+v", stats)
	}
}
