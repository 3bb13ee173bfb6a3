package verification

import (
	"errors"
	"fmt"
)

// Kind classifies verification failures so callers can tell invalid input apart from
// the system being unable to finish.
type Kind string

const (
	KindInput             Kind = "input"
	KindFaceNotDetected   Kind = "face_not_detected"
	KindLivenessDetection Kind = "liveness_detection"
	KindMatchEngine       Kind = "match_engine"
	KindCapabilityInit    Kind = "capability_init"
	KindPipeline          Kind = "pipeline"
)

// FaceHint is shown to users whose images had no detectable face.
const FaceHint = "Please ensure images contain clear, front-facing faces."

// Error is a classified verification failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInput             = &Error{Kind: KindInput}
	ErrFaceNotDetected   = &Error{Kind: KindFaceNotDetected}
	ErrLivenessDetection = &Error{Kind: KindLivenessDetection}
	ErrMatchEngine       = &Error{Kind: KindMatchEngine}
	ErrCapabilityInit    = &Error{Kind: KindCapabilityInit}
	ErrPipeline          = &Error{Kind: KindPipeline}
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

// NewInputError reports empty, corrupt or non-image input.
func NewInputError(message string, cause error) error {
	return &Error{Kind: KindInput, Message: message, Err: cause}
}

// NewFaceNotDetectedError reports that an image had no usable face.
func NewFaceNotDetectedError(message string, cause error) error {
	if message == "" {
		message = "face could not be detected in one or both images"
	}
	return &Error{Kind: KindFaceNotDetected, Message: message, Err: cause}
}

// NewLivenessDetectionError reports a failure inside the liveness backend.
func NewLivenessDetectionError(message string, cause error) error {
	return &Error{Kind: KindLivenessDetection, Message: message, Err: cause}
}

// NewMatchEngineError reports a failure of the embedding capability other than a missing face.
func NewMatchEngineError(cause error) error {
	return &Error{Kind: KindMatchEngine, Message: "face verification failed", Err: cause}
}

// NewCapabilityInitError reports a capability that could not be constructed.
func NewCapabilityInitError(capability string, cause error) error {
	return &Error{Kind: KindCapabilityInit, Message: capability + " unavailable", Err: cause}
}

// NewPipelineError reports anything else.
func NewPipelineError(message string, cause error) error {
	return &Error{Kind: KindPipeline, Message: message, Err: cause}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are pipeline errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindPipeline
}

// UserMessage is the text safe to show an end user for err. It separates invalid input
// from verification that could not be completed and never includes internal detail.
func UserMessage(err error) string {
	var verr *Error
	switch KindOf(err) {
	case "":
		return ""
	case KindInput:
		if errors.As(err, &verr) && verr.Message != "" {
			return "Invalid input: " + verr.Message + "."
		}
		return "Invalid input."
	case KindFaceNotDetected:
		return "Face could not be detected in one or both images. " + FaceHint
	default:
		return "The system could not complete verification. Please try again later."
	}
}
