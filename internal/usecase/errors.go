package usecase

import (
	"errors"
	"fmt"
)

// Kind classifies why a prediction failed.
type Kind int

const (
	// KindValidation means the request carried no usable input.
	KindValidation Kind = iota + 1
	// KindPayloadTooLarge means the upload exceeded MaxUploadSize.
	KindPayloadTooLarge
	// KindDecode means the bytes are not an image of the expected shape.
	KindDecode
	// KindModelUnavailable means the model is not loaded or inference failed.
	KindModelUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindDecode:
		return "decode"
	case KindModelUnavailable:
		return "model_unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PredictionError is the only error type returned by Predict.
type PredictionError struct {
	Kind Kind
	Err  error
}

func (e *PredictionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PredictionError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *PredictionError {
	return &PredictionError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err.
func KindOf(err error) (Kind, bool) {
	var predErr *PredictionError
	if errors.As(err, &predErr) {
		return predErr.Kind, true
	}
	return 0, false
}

// ErrNoImage is wrapped by validation failures for a missing upload.
var ErrNoImage = errors.New("no image provided")

// ErrInvalidScore is wrapped when the model output cannot be interpreted.
var ErrInvalidScore = errors.New("invalid model score")
