package verification

import (
	"context"
	"image"

	"github.com/example/face-verify/internal/imageprocessor"
)

// Index of the "real" class in liveness probability vectors (fake, real, other).
const RealClassIndex = 1

// ClassProbabilities is one liveness prediction over the fake/real/other classes.
type ClassProbabilities [3]float64

// BoundingBox is a face region in sample pixel coordinates.
type BoundingBox struct {
	X, Y          int
	Width, Height int
}

// Rect converts the box to a half-open image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// PrimaryLivenessCapability is a trained anti-spoofing model made of one or more
// sub-models sharing a face detector.
type PrimaryLivenessCapability interface {
	// SubModels lists the configured sub-models in a stable order.
	SubModels() []SubModel
	// DetectFaceRegion locates the face in the selfie.
	DetectFaceRegion(ctx context.Context, sample *imageprocessor.Sample) (BoundingBox, error)
	// Predict classifies a crop prepared for the given sub-model.
	Predict(ctx context.Context, crop *imageprocessor.Sample, model SubModel) (ClassProbabilities, error)
}

// EmbeddingResult is the distance between two faces as computed by an embedding model,
// together with the threshold that model considers a match.
type EmbeddingResult struct {
	Distance  float64
	Threshold float64
}

// FaceEmbeddingCapability compares two faces. Implementations return an error matching
// ErrFaceNotDetected when either image has no detectable face.
type FaceEmbeddingCapability interface {
	Verify(ctx context.Context, reference, query *imageprocessor.Sample) (EmbeddingResult, error)
}
