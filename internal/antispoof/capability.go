// Package antispoof runs the Silent-Face anti-spoofing networks locally with the OpenCV
// DNN module: a RetinaFace detector locates the face and MiniFASNet sub-models classify
// crops of it.
package antispoof

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/verification"
)

// Detector asset names expected in Options.DetectorDir.
const (
	DetectorPrototxt   = "deploy.prototxt"
	DetectorCaffeModel = "Widerface-RetinaFace.caffemodel"
)

const (
	defaultDetectionConfidence = 0.6
	// Images at least this many pixels are resized to roughly detectorSide^2 before detection.
	detectorSide = 192
)

// Options locate the model assets.
type Options struct {
	// ModelDir holds the *.onnx sub-models.
	ModelDir string
	// DetectorDir holds the RetinaFace Caffe files.
	DetectorDir string
	// DetectionConfidence is the minimum detector score for a face to count.
	DetectionConfidence float64
}

type subModelNet struct {
	info verification.SubModel
	net  gocv.Net
}

// Capability implements verification.PrimaryLivenessCapability. OpenCV networks are not
// safe for concurrent forward passes, so inference is serialised per Capability.
type Capability struct {
	mu                  sync.Mutex
	detector            gocv.Net
	models              []subModelNet
	detectionConfidence float64
	logger              *zap.Logger
}

var _ verification.PrimaryLivenessCapability = (*Capability)(nil)

// New loads the detector and every sub-model in opts.ModelDir. Any missing or unreadable
// asset fails construction.
func New(opts Options, logger *zap.Logger) (*Capability, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DetectionConfidence <= 0 {
		opts.DetectionConfidence = defaultDetectionConfidence
	}

	paths, err := listSubModels(opts.ModelDir)
	if err != nil {
		return nil, err
	}

	prototxt := filepath.Join(opts.DetectorDir, DetectorPrototxt)
	caffeModel := filepath.Join(opts.DetectorDir, DetectorCaffeModel)
	for _, p := range []string{prototxt, caffeModel} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("face detector asset: %w", err)
		}
	}

	c := &Capability{detectionConfidence: opts.DetectionConfidence, logger: logger.Named("antispoof")}
	c.detector = gocv.ReadNetFromCaffe(prototxt, caffeModel)
	if c.detector.Empty() {
		return nil, fmt.Errorf("failed to load face detector from %s", opts.DetectorDir)
	}
	c.detector.SetPreferableBackend(gocv.NetBackendDefault)
	c.detector.SetPreferableTarget(gocv.NetTargetCPU)

	for _, p := range paths {
		info, err := verification.ParseSubModel(p)
		if err != nil {
			c.Close()
			return nil, err
		}
		net := gocv.ReadNetFromONNX(p)
		if net.Empty() {
			c.Close()
			return nil, fmt.Errorf("failed to load sub-model %s", p)
		}
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
		c.models = append(c.models, subModelNet{info: info, net: net})
	}

	c.logger.Info("anti-spoofing models loaded",
		zap.String("model_dir", opts.ModelDir),
		zap.String("detector_dir", opts.DetectorDir),
		zap.Int("sub_models", len(c.models)),
	)
	return c, nil
}

// listSubModels returns the *.onnx files of dir in name order.
func listSubModels(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("liveness model dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".onnx") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .onnx sub-models in %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// SubModels lists the loaded sub-models.
func (c *Capability) SubModels() []verification.SubModel {
	out := make([]verification.SubModel, len(c.models))
	for i, m := range c.models {
		out[i] = m.info
	}
	return out
}

// DetectFaceRegion returns the most confident face found by RetinaFace.
func (c *Capability) DetectFaceRegion(ctx context.Context, sample *imageprocessor.Sample) (verification.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return verification.BoundingBox{}, err
	}
	src, err := gocv.ImageToMatRGB(sample.Image())
	if err != nil {
		return verification.BoundingBox{}, fmt.Errorf("convert selfie: %w", err)
	}
	defer src.Close()

	width, height := src.Cols(), src.Rows()
	input := src
	if size, ok := detectionSize(width, height); ok {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(src, &resized, size, 0, 0, gocv.InterpolationLinear)
		input = resized
	}

	blob := gocv.BlobFromImage(input, 1.0, image.Pt(input.Cols(), input.Rows()), gocv.NewScalar(104, 117, 123, 0), false, false)
	defer blob.Close()

	c.mu.Lock()
	c.detector.SetInput(blob, "data")
	out := c.detector.Forward("detection_out")
	c.mu.Unlock()
	defer out.Close()

	detections := gocv.GetBlobChannel(out, 0, 0)
	defer detections.Close()

	best, bestScore := -1, float32(0)
	for r := 0; r < detections.Rows(); r++ {
		if score := detections.GetFloatAt(r, 2); best < 0 || score > bestScore {
			best, bestScore = r, score
		}
	}
	if best < 0 || float64(bestScore) < c.detectionConfidence {
		return verification.BoundingBox{}, verification.NewFaceNotDetectedError("no face found in selfie", nil)
	}

	return boxFromDetection(
		detections.GetFloatAt(best, 3), detections.GetFloatAt(best, 4),
		detections.GetFloatAt(best, 5), detections.GetFloatAt(best, 6),
		width, height,
	), nil
}

// Predict runs one sub-model on its crop and returns softmax probabilities.
func (c *Capability) Predict(ctx context.Context, crop *imageprocessor.Sample, model verification.SubModel) (verification.ClassProbabilities, error) {
	if err := ctx.Err(); err != nil {
		return verification.ClassProbabilities{}, err
	}
	net, ok := c.net(model.Name)
	if !ok {
		return verification.ClassProbabilities{}, fmt.Errorf("unknown sub-model %q", model.Name)
	}

	src, err := gocv.ImageToMatRGB(crop.Image())
	if err != nil {
		return verification.ClassProbabilities{}, fmt.Errorf("convert crop: %w", err)
	}
	defer src.Close()

	// MiniFASNet takes raw 0-255 BGR values.
	blob := gocv.BlobFromImage(src, 1.0, image.Pt(model.Width, model.Height), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	c.mu.Lock()
	net.SetInput(blob, "")
	out := net.Forward("")
	c.mu.Unlock()
	defer out.Close()

	if out.Total() < 3 {
		return verification.ClassProbabilities{}, fmt.Errorf("sub-model %s produced %d outputs, want 3", model.Name, out.Total())
	}
	var logits [3]float64
	for i := range logits {
		logits[i] = float64(out.GetFloatAt(0, i))
	}
	return Softmax(logits), nil
}

func (c *Capability) net(name string) (gocv.Net, bool) {
	for _, m := range c.models {
		if m.info.Name == name {
			return m.net, true
		}
	}
	return gocv.Net{}, false
}

// Close releases the networks.
func (c *Capability) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.models {
		m.net.Close()
	}
	c.models = nil
	return c.detector.Close()
}

// detectionSize keeps the aspect ratio while bringing large images down to about
// detectorSide^2 pixels.
func detectionSize(width, height int) (image.Point, bool) {
	if width*height < detectorSide*detectorSide {
		return image.Point{}, false
	}
	aspect := math.Sqrt(float64(width) / float64(height))
	return image.Pt(int(detectorSide*aspect), int(detectorSide/aspect)), true
}

// boxFromDetection converts normalised corners into a pixel box with inclusive extent.
func boxFromDetection(left, top, right, bottom float32, width, height int) verification.BoundingBox {
	l := float64(left) * float64(width)
	t := float64(top) * float64(height)
	r := float64(right) * float64(width)
	b := float64(bottom) * float64(height)
	return verification.BoundingBox{
		X:      int(l),
		Y:      int(t),
		Width:  int(r - l + 1),
		Height: int(b - t + 1),
	}
}

// Softmax normalises logits into probabilities.
func Softmax(logits [3]float64) verification.ClassProbabilities {
	peak := logits[0]
	for _, v := range logits[1:] {
		if v > peak {
			peak = v
		}
	}
	var out verification.ClassProbabilities
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
