package common

import (
	"errors"
	"fmt"

	"github.com/aspor-platform/extraction-engine/constants"
)

// Sentinel error kinds. Stage failures are wrapped in a StageError carrying
// one of these so callers can classify retryable vs permanent conditions.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("resource not found")
	ErrExtraction     = errors.New("document extraction failed")
	ErrOCRUnavailable = errors.New("ocr service unavailable")
	ErrPromptNotFound = errors.New("prompt template not found")
	ErrInvocation     = errors.New("model invocation failed")
	ErrSynthesis      = errors.New("report synthesis failed")
)

// kindNames maps sentinels to the stable kind strings recorded on FAILED runs.
var kindNames = []struct {
	err  error
	name string
}{
	{ErrValidation, "ValidationError"},
	{ErrNotFound, "NotFoundError"},
	{ErrOCRUnavailable, "OcrUnavailableError"},
	{ErrExtraction, "ExtractionError"},
	{ErrPromptNotFound, "PromptNotFoundError"},
	{ErrInvocation, "InvocationError"},
	{ErrSynthesis, "SynthesisError"},
}

// KindOf returns the stable kind name for err, or "InternalError" when err
// does not wrap any known sentinel.
func KindOf(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}

// SentinelOf returns the sentinel kind err wraps, or nil for unclassified
// errors.
func SentinelOf(err error) error {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}

// StageError attributes a failure to a pipeline stage. It wraps one of the
// sentinel kinds above plus the underlying cause.
type StageError struct {
	Stage   constants.Stage
	Kind    error
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// NewStageError builds a StageError; cause may be nil.
func NewStageError(stage constants.Stage, kind error, message string, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: message, Cause: cause}
}

// ValidationErrorf returns a submission-time validation failure. These are
// surfaced synchronously and never create a Run.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
