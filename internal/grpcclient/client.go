// Package grpcclient talks to an inference sidecar that hosts the liveness and embedding
// models. Messages are google.protobuf.Struct values so no generated stubs are needed.
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/verification"
)

// ServiceName is the fully qualified gRPC service exposed by the sidecar.
const ServiceName = "faceverify.inference.v1.Inference"

// Full method names.
const (
	MethodDetectFaceRegion = "/" + ServiceName + "/DetectFaceRegion"
	MethodPredict          = "/" + ServiceName + "/Predict"
	MethodVerify           = "/" + ServiceName + "/Verify"
)

const jpegQuality = 95

// Dial returns a ready-to-use connection to the inference sidecar.
func Dial(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (*grpc.ClientConn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference", "", err)
		logger.Error("failed to dial inference sidecar", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// LivenessClient implements verification.PrimaryLivenessCapability remotely.
type LivenessClient struct {
	conn      grpc.ClientConnInterface
	subModels []verification.SubModel
	logger    *zap.Logger
}

var _ verification.PrimaryLivenessCapability = (*LivenessClient)(nil)

// NewLivenessClient builds a liveness client for the named sub-models hosted by the sidecar.
func NewLivenessClient(conn grpc.ClientConnInterface, subModelNames []string, logger *zap.Logger) (*LivenessClient, error) {
	models, err := verification.ParseSubModels(subModelNames)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, errors.New("no remote liveness sub-models configured")
	}
	return &LivenessClient{conn: conn, subModels: models, logger: logger.Named("grpc_liveness")}, nil
}

// SubModels lists the configured sub-models.
func (c *LivenessClient) SubModels() []verification.SubModel {
	return append([]verification.SubModel(nil), c.subModels...)
}

// DetectFaceRegion asks the sidecar for the face box.
func (c *LivenessClient) DetectFaceRegion(ctx context.Context, sample *imageprocessor.Sample) (verification.BoundingBox, error) {
	img, err := encodePNG(sample)
	if err != nil {
		return verification.BoundingBox{}, err
	}
	resp, err := invoke(ctx, c.conn, MethodDetectFaceRegion, map[string]interface{}{"image": img})
	if err != nil {
		return verification.BoundingBox{}, c.fail("grpcclient.detect_face_region", err)
	}
	fields := resp.GetFields()
	if !fields["found"].GetBoolValue() {
		return verification.BoundingBox{}, verification.NewFaceNotDetectedError("no face found in selfie", nil)
	}
	return verification.BoundingBox{
		X:      int(fields["x"].GetNumberValue()),
		Y:      int(fields["y"].GetNumberValue()),
		Width:  int(fields["width"].GetNumberValue()),
		Height: int(fields["height"].GetNumberValue()),
	}, nil
}

// Predict classifies a crop with one remote sub-model.
func (c *LivenessClient) Predict(ctx context.Context, crop *imageprocessor.Sample, model verification.SubModel) (verification.ClassProbabilities, error) {
	img, err := encodePNG(crop)
	if err != nil {
		return verification.ClassProbabilities{}, err
	}
	resp, err := invoke(ctx, c.conn, MethodPredict, map[string]interface{}{"image": img, "model": model.Name})
	if err != nil {
		return verification.ClassProbabilities{}, c.fail("grpcclient.predict", err)
	}
	values := resp.GetFields()["probabilities"].GetListValue().GetValues()
	if len(values) != 3 {
		return verification.ClassProbabilities{}, fmt.Errorf("sub-model %s returned %d probabilities, want 3", model.Name, len(values))
	}
	var probs verification.ClassProbabilities
	for i, v := range values {
		probs[i] = v.GetNumberValue()
	}
	return probs, nil
}

func (c *LivenessClient) fail(operation string, err error) error {
	if isNotFound(err) {
		return verification.NewFaceNotDetectedError("no face found in selfie", err)
	}
	wrapped := logging.NewOperationError(operation, "", err)
	c.logger.Error("inference call failed", zap.Error(wrapped))
	return wrapped
}

// EmbeddingClient implements verification.FaceEmbeddingCapability remotely.
type EmbeddingClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

var _ verification.FaceEmbeddingCapability = (*EmbeddingClient)(nil)

// NewEmbeddingClient builds an embedding client.
func NewEmbeddingClient(conn grpc.ClientConnInterface, logger *zap.Logger) *EmbeddingClient {
	return &EmbeddingClient{conn: conn, logger: logger.Named("grpc_embedding")}
}

// Verify asks the sidecar for the distance between the two faces.
func (c *EmbeddingClient) Verify(ctx context.Context, reference, query *imageprocessor.Sample) (verification.EmbeddingResult, error) {
	ref, err := reference.EncodeJPEG(jpegQuality)
	if err != nil {
		return verification.EmbeddingResult{}, fmt.Errorf("encode reference image: %w", err)
	}
	q, err := query.EncodeJPEG(jpegQuality)
	if err != nil {
		return verification.EmbeddingResult{}, fmt.Errorf("encode query image: %w", err)
	}

	resp, err := invoke(ctx, c.conn, MethodVerify, map[string]interface{}{
		"reference": base64.StdEncoding.EncodeToString(ref),
		"query":     base64.StdEncoding.EncodeToString(q),
	})
	if err != nil {
		if isNotFound(err) {
			return verification.EmbeddingResult{}, verification.NewFaceNotDetectedError("", err)
		}
		wrapped := logging.NewOperationError("grpcclient.verify", "", err)
		c.logger.Error("inference call failed", zap.Error(wrapped))
		return verification.EmbeddingResult{}, wrapped
	}

	fields := resp.GetFields()
	if detected, ok := fields["face_detected"]; ok && !detected.GetBoolValue() {
		return verification.EmbeddingResult{}, verification.NewFaceNotDetectedError("", nil)
	}
	return verification.EmbeddingResult{
		Distance:  fields["distance"].GetNumberValue(),
		Threshold: fields["threshold"].GetNumberValue(),
	}, nil
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, payload map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func encodePNG(sample *imageprocessor.Sample) (string, error) {
	data, err := sample.EncodePNG()
	if err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
