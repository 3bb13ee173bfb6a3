// Package embedding compares faces with dlib ResNet descriptors through go-face.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/verification"
)

// DefaultDlibThreshold is the Euclidean distance below which dlib descriptors are
// considered the same person.
const DefaultDlibThreshold = 0.6

// jpegQuality is used when handing samples to dlib, which only reads JPEG.
const jpegQuality = 95

// ErrClosed is returned after Close.
var ErrClosed = errors.New("face recognizer closed")

// DlibMatcher implements verification.FaceEmbeddingCapability. The dlib recognizer is not
// safe for concurrent use, so descriptor extraction is serialised per matcher.
type DlibMatcher struct {
	mu        sync.Mutex
	rec       *face.Recognizer
	threshold float64
	logger    *zap.Logger
}

var _ verification.FaceEmbeddingCapability = (*DlibMatcher)(nil)

// NewDlibMatcher loads shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat from modelDir.
func NewDlibMatcher(modelDir string, logger *zap.Logger) (*DlibMatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelDir, err)
	}
	logger.Named("embedding").Info("dlib face recognizer loaded", zap.String("model_dir", modelDir))
	return &DlibMatcher{rec: rec, threshold: DefaultDlibThreshold, logger: logger.Named("embedding")}, nil
}

// Verify extracts a descriptor from each sample and returns their Euclidean distance.
func (m *DlibMatcher) Verify(ctx context.Context, reference, query *imageprocessor.Sample) (verification.EmbeddingResult, error) {
	ref, err := m.descriptor(ctx, "reference", reference)
	if err != nil {
		return verification.EmbeddingResult{}, err
	}
	q, err := m.descriptor(ctx, "query", query)
	if err != nil {
		return verification.EmbeddingResult{}, err
	}
	return verification.EmbeddingResult{Distance: EuclideanDistance(ref, q), Threshold: m.threshold}, nil
}

func (m *DlibMatcher) descriptor(ctx context.Context, label string, sample *imageprocessor.Sample) (face.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return face.Descriptor{}, err
	}
	data, err := sample.EncodeJPEG(jpegQuality)
	if err != nil {
		return face.Descriptor{}, fmt.Errorf("encode %s image: %w", label, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return face.Descriptor{}, ErrClosed
	}
	f, err := m.rec.RecognizeSingle(data)
	if err != nil {
		return face.Descriptor{}, fmt.Errorf("recognize %s image: %w", label, err)
	}
	if f == nil {
		return face.Descriptor{}, verification.NewFaceNotDetectedError("no face in "+label+" image", nil)
	}
	return f.Descriptor, nil
}

// Close releases the recognizer.
func (m *DlibMatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		m.rec.Close()
		m.rec = nil
	}
	return nil
}

// EuclideanDistance is the L2 distance between two descriptors.
func EuclideanDistance(a, b face.Descriptor) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
