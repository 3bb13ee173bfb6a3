package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/usecase"
	"github.com/example/face-verify/internal/verification"
)

// MaxUploadSize bounds a single uploaded image part.
const MaxUploadSize = 10 << 20

// multipartOverhead is headroom for boundaries and part headers on top of the image bytes.
const multipartOverhead = 1 << 20

const (
	serviceName    = "Face Verification & Spoof Detection API"
	serviceVersion = "1.0.0"
)

// VerificationService is the use case surface consumed by the HTTP handlers.
type VerificationService interface {
	LivenessMethod() verification.Method
	VerifyIdentity(ctx context.Context, applicantID string, idBytes, selfieBytes []byte) (*usecase.VerificationRecord, error)
	CheckLiveness(ctx context.Context, selfieBytes []byte) (string, verification.LivenessVerdict, error)
	CompareFaces(ctx context.Context, image1Bytes, image2Bytes []byte) (string, verification.MatchVerdict, error)
	GetResult(ctx context.Context, applicantID, requestID string) (*usecase.VerificationRecord, error)
	GetMetricsSummary() *usecase.MetricsSummary
}

// RegisterRoutes wires the HTTP handlers to the Gin router. apiMiddleware runs in front of
// every /api route.
func RegisterRoutes(router *gin.Engine, svc VerificationService, logger *zap.Logger, apiMiddleware ...gin.HandlerFunc) {
	h := &handler{svc: svc, logger: logger.Named("http")}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": serviceName, "version": serviceVersion, "status": "running"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "healthy",
			"face_verification": "ready",
			"spoof_detection":   "ready",
			"liveness_method":   svc.LivenessMethod(),
		})
	})

	api := router.Group("/api", apiMiddleware...)
	api.POST("/warmup", h.warmup)
	api.POST("/verify", h.verify)
	api.POST("/spoof-check", h.spoofCheck)
	api.POST("/face-verify", h.faceVerify)
	api.GET("/result/:id", h.result)
	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.GetMetricsSummary())
	})
}

type handler struct {
	svc    VerificationService
	logger *zap.Logger
}

// warmup reports readiness. Capabilities are built before the server starts listening, so
// a reachable handler means the models are loaded.
func (h *handler) warmup(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ready",
		"message":         "Models loaded",
		"liveness_method": h.svc.LivenessMethod(),
	})
}

func (h *handler) verify(c *gin.Context) {
	files, ok := h.readImages(c, "id_image", "selfie_image")
	if !ok {
		return
	}

	applicantID, _ := auth.ApplicantID(c.Request.Context())
	record, err := h.svc.VerifyIdentity(c.Request.Context(), applicantID, files[0], files[1])
	if err != nil {
		h.writeError(c, err)
		return
	}

	outcome := record.Outcome
	match := outcome.MatchOrNeutral()
	c.JSON(http.StatusOK, gin.H{
		"request_id":      record.RequestID,
		"liveness_method": record.LivenessMethod,
		"liveness_check": gin.H{
			"is_real":    outcome.Liveness.IsLive,
			"confidence": outcome.Liveness.Confidence,
		},
		"face_verification": gin.H{
			"verified":   match.Matched,
			"confidence": match.Confidence,
			"distance":   match.Distance,
		},
		"overall_result": outcome.Classification,
		"message":        outcome.Message,
	})
}

func (h *handler) spoofCheck(c *gin.Context) {
	files, ok := h.readImages(c, "image")
	if !ok {
		return
	}

	requestID, verdict, err := h.svc.CheckLiveness(c.Request.Context(), files[0])
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":      requestID,
		"liveness_method": verdict.Method,
		"is_real":         verdict.IsLive,
		"confidence":      verdict.Confidence,
		"message":         verdict.Reason,
		"details":         verdict.Detail,
	})
}

func (h *handler) faceVerify(c *gin.Context) {
	files, ok := h.readImages(c, "image1", "image2")
	if !ok {
		return
	}

	requestID, verdict, err := h.svc.CompareFaces(c.Request.Context(), files[0], files[1])
	if err != nil {
		h.writeError(c, err)
		return
	}

	message := "Faces do not match"
	if verdict.Matched {
		message = "Faces match"
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"verified":   verdict.Matched,
		"confidence": verdict.Confidence,
		"distance":   verdict.Distance,
		"message":    message,
	})
}

func (h *handler) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		writeJSONError(c, http.StatusBadRequest, "id is required")
		return
	}

	applicantID, _ := auth.ApplicantID(c.Request.Context())
	record, err := h.svc.GetResult(c.Request.Context(), applicantID, requestID)
	if err != nil {
		if errors.Is(err, usecase.ErrResultNotFound) {
			writeJSONError(c, http.StatusNotFound, "result not found")
			return
		}
		h.logger.Error("result lookup failed", zap.String("request_id", requestID), zap.Error(err))
		writeJSONError(c, http.StatusInternalServerError, "result lookup failed")
		return
	}

	c.JSON(http.StatusOK, record)
}

// readImages reads the named multipart parts in order. It writes the error response itself
// and reports false when any part is missing, oversized, empty or not declared as an image.
func (h *handler) readImages(c *gin.Context, fields ...string) ([][]byte, bool) {
	limit := int64(len(fields))*MaxUploadSize + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	out := make([][]byte, 0, len(fields))
	for _, field := range fields {
		file, err := c.FormFile(field)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("each image must be at most %d bytes", MaxUploadSize))
				return nil, false
			}
			writeJSONError(c, http.StatusBadRequest, fmt.Sprintf("%s file is required", field))
			return nil, false
		}
		if file.Size > MaxUploadSize {
			writeJSONError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("%s must be at most %d bytes", field, MaxUploadSize))
			return nil, false
		}
		if !imageprocessor.IsImageContentType(file.Header.Get("Content-Type")) {
			writeJSONError(c, http.StatusUnsupportedMediaType, fmt.Sprintf("%s must be an image file", field))
			return nil, false
		}

		data, err := readPart(file)
		if err != nil {
			h.logger.Warn("failed to read upload", zap.String("field", field), zap.Error(err))
			writeJSONError(c, http.StatusBadRequest, fmt.Sprintf("unable to read %s", field))
			return nil, false
		}
		if len(data) == 0 {
			writeJSONError(c, http.StatusBadRequest, fmt.Sprintf("%s is empty or could not be read", field))
			return nil, false
		}
		out = append(out, data)
	}
	return out, true
}

func readPart(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

// writeError maps a use case failure onto a status code and a user-safe message. Internal
// detail is logged by the use case and never returned.
func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrTimeout):
		writeJSONError(c, http.StatusGatewayTimeout, "Verification timed out. Please try again.")
		return
	case errors.Is(err, context.Canceled):
		c.AbortWithStatus(http.StatusRequestTimeout)
		return
	}

	status := http.StatusInternalServerError
	switch verification.KindOf(err) {
	case verification.KindInput:
		status = http.StatusBadRequest
	case verification.KindFaceNotDetected:
		status = http.StatusUnprocessableEntity
	case verification.KindCapabilityInit:
		status = http.StatusServiceUnavailable
	}
	writeJSONError(c, status, verification.UserMessage(err))
}

func writeJSONError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status), "message": message})
}
