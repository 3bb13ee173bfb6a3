package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/verification"
)

type structHandler func(*structpb.Struct) (*structpb.Struct, error)

type fakeSidecar struct {
	detect  structHandler
	predict structHandler
	verify  structHandler
	models  []string
}

func unary(fn func() structHandler) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(_ interface{}, _ context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return fn()(in)
	}
}

func startSidecar(t *testing.T, fake *fakeSidecar) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "DetectFaceRegion", Handler: unary(func() structHandler { return fake.detect })},
			{MethodName: "Predict", Handler: unary(func() structHandler { return fake.predict })},
			{MethodName: "Verify", Handler: unary(func() structHandler { return fake.verify })},
		},
	}, struct{}{})
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testSample(w, h int) *imageprocessor.Sample {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return imageprocessor.NewSample(img, "png")
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestLivenessClientRoundTrip(t *testing.T) {
	fake := &fakeSidecar{}
	fake.detect = func(in *structpb.Struct) (*structpb.Struct, error) {
		data, err := base64.StdEncoding.DecodeString(in.GetFields()["image"].GetStringValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "bad base64")
		}
		if _, err := imageprocessor.NewDecoder(1).Decode(data); err != nil {
			return nil, status.Error(codes.InvalidArgument, "bad image")
		}
		return mustStruct(t, map[string]interface{}{"found": true, "x": 4, "y": 6, "width": 20, "height": 22}), nil
	}
	fake.predict = func(in *structpb.Struct) (*structpb.Struct, error) {
		fake.models = append(fake.models, in.GetFields()["model"].GetStringValue())
		return mustStruct(t, map[string]interface{}{"probabilities": []interface{}{0.1, 0.8, 0.1}}), nil
	}
	conn := startSidecar(t, fake)

	client, err := NewLivenessClient(conn, []string{"2.7_80x80_MiniFASNetV2.onnx"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	box, err := client.DetectFaceRegion(context.Background(), testSample(40, 40))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if box != (verification.BoundingBox{X: 4, Y: 6, Width: 20, Height: 22}) {
		t.Fatalf("unexpected box %+v", box)
	}

	probs, err := client.Predict(context.Background(), testSample(80, 80), client.SubModels()[0])
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if probs != (verification.ClassProbabilities{0.1, 0.8, 0.1}) {
		t.Fatalf("unexpected probabilities %v", probs)
	}
	if len(fake.models) != 1 || fake.models[0] != "2.7_80x80_MiniFASNetV2.onnx" {
		t.Fatalf("expected model name to be sent, got %v", fake.models)
	}
}

func TestLivenessClientNoFace(t *testing.T) {
	fake := &fakeSidecar{detect: func(*structpb.Struct) (*structpb.Struct, error) {
		return mustStruct(t, map[string]interface{}{"found": false}), nil
	}}
	client, err := NewLivenessClient(startSidecar(t, fake), []string{"2.7_80x80_MiniFASNetV2.onnx"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.DetectFaceRegion(context.Background(), testSample(10, 10)); !errors.Is(err, verification.ErrFaceNotDetected) {
		t.Fatalf("expected face not detected, got %v", err)
	}
}

func TestNewLivenessClientRequiresSubModels(t *testing.T) {
	if _, err := NewLivenessClient(nil, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error without sub-models")
	}
	if _, err := NewLivenessClient(nil, []string{"bogus"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for malformed sub-model name")
	}
}

func TestEmbeddingClientVerify(t *testing.T) {
	fake := &fakeSidecar{verify: func(in *structpb.Struct) (*structpb.Struct, error) {
		if in.GetFields()["reference"].GetStringValue() == "" || in.GetFields()["query"].GetStringValue() == "" {
			return nil, status.Error(codes.InvalidArgument, "missing images")
		}
		return mustStruct(t, map[string]interface{}{"distance": 0.25, "threshold": 0.68, "face_detected": true}), nil
	}}
	client := NewEmbeddingClient(startSidecar(t, fake), zap.NewNop())

	result, err := client.Verify(context.Background(), testSample(20, 20), testSample(20, 20))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Distance != 0.25 || result.Threshold != 0.68 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestEmbeddingClientMapsErrors(t *testing.T) {
	fake := &fakeSidecar{verify: func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.NotFound, "no face in query")
	}}
	client := NewEmbeddingClient(startSidecar(t, fake), zap.NewNop())
	if _, err := client.Verify(context.Background(), testSample(20, 20), testSample(20, 20)); verification.KindOf(err) != verification.KindFaceNotDetected {
		t.Fatalf("expected face not detected, got %v", err)
	}

	fake.verify = func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Internal, "model crashed")
	}
	_, err := client.Verify(context.Background(), testSample(20, 20), testSample(20, 20))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "grpcclient.verify" {
		t.Fatalf("expected OperationError, got %v", err)
	}
}
