// Package imagestats computes the low-level image statistics used to estimate liveness
// without a trained model.
package imagestats

import (
	"fmt"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"github.com/example/face-verify/internal/imageprocessor"
)

// Canny hysteresis thresholds.
const (
	CannyLowThreshold  = 50
	CannyHighThreshold = 150
)

// Statistics holds the readings taken from one sample.
type Statistics struct {
	// Sharpness is the variance of the 4-neighbour Laplacian of the grayscale image.
	Sharpness float64 `json:"sharpness"`
	// ColorVariance is the mean of the per-channel (R, G, B) pixel variances.
	ColorVariance float64 `json:"color_variance"`
	// EdgeDensity is the fraction of pixels marked as edges by the Canny detector.
	EdgeDensity float64 `json:"edge_density"`
}

// Calculator measures Statistics. It holds no state and is safe for concurrent use.
type Calculator struct{}

// NewCalculator returns a statistics calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Measure computes all statistics for the sample. When the sample cannot be converted
// to a matrix only the colour variance is reported.
func (c *Calculator) Measure(sample *imageprocessor.Sample) Statistics {
	if sample == nil || sample.Width() == 0 || sample.Height() == 0 {
		return Statistics{}
	}
	stats := Statistics{ColorVariance: ColorVariance(sample)}

	gray, err := grayMat(sample)
	if err != nil {
		return stats
	}
	defer gray.Close()

	stats.Sharpness = LaplacianVariance(gray)
	stats.EdgeDensity = EdgeDensity(gray, CannyLowThreshold, CannyHighThreshold)
	return stats
}

// grayMat converts the sample to an 8-bit single channel matrix with BT.601 luma weights.
func grayMat(sample *imageprocessor.Sample) (gocv.Mat, error) {
	src, err := gocv.ImageToMatRGB(sample.Image())
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert sample: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray, nil
}

// LaplacianVariance returns the population variance of the Laplacian response
// (kernel [0 1 0; 1 -4 1; 0 1 0]) with reflected borders.
func LaplacianVariance(gray gocv.Mat) float64 {
	if gray.Empty() {
		return 0
	}
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stdDev := gocv.NewMat()
	defer stdDev.Close()
	gocv.MeanStdDev(lap, &mean, &stdDev)

	sd := stdDev.GetDoubleAt(0, 0)
	return sd * sd
}

// EdgeDensity returns the fraction of pixels the Canny detector marks as edges.
func EdgeDensity(gray gocv.Mat, low, high float32) float64 {
	total := gray.Rows() * gray.Cols()
	if total == 0 {
		return 0
	}
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, low, high)
	return float64(gocv.CountNonZero(edges)) / float64(total)
}

// ColorVariance returns the mean of the population variances of the R, G and B channels.
func ColorVariance(sample *imageprocessor.Sample) float64 {
	w, h := sample.Width(), sample.Height()
	n := w * h
	if n == 0 {
		return 0
	}
	rs := make([]float64, 0, n)
	gs := make([]float64, 0, n)
	bs := make([]float64, 0, n)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := sample.RGBAAt(x, y)
			rs = append(rs, float64(r))
			gs = append(gs, float64(g))
			bs = append(bs, float64(b))
		}
	}
	return stat.Mean([]float64{
		stat.PopVariance(rs, nil),
		stat.PopVariance(gs, nil),
		stat.PopVariance(bs, nil),
	}, nil)
}
