package upload

import (
	"errors"
	"fmt"
	"strings"

	"summeval-sync/internal/api"
)

// ErrCancelled matches any CancellationError with errors.Is.
var ErrCancelled = errors.New("upload cancelled")

// ErrAlreadyStarted is returned by a second Run on the same Pipeline.
var ErrAlreadyStarted = errors.New("upload pipeline already started")

// CreationError means the backend rejected the project. No chunk was sent.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create project: %v", e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// FailureKind classifies a permanent chunk failure for display.
type FailureKind string

const (
	FailureGeneric           FailureKind = "generic"
	FailureRowCountMismatch  FailureKind = "row_count_mismatch"
	FailureMissingAttributes FailureKind = "missing_attributes"
)

// Backend messages recognised when no error code is sent.
const (
	msgRowCountMismatch  = "CSV rows do not match project FullText count."
	msgMissingAttributes = "Missing required attributes."
)

// ChunkUploadError is a chunk that failed on every attempt.
type ChunkUploadError struct {
	ChunkIndex int
	Attempts   int
	Kind       FailureKind
	Err        error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *ChunkUploadError) Unwrap() error { return e.Err }

// UserMessage is the text shown to a person for this failure.
func (e *ChunkUploadError) UserMessage() string {
	switch e.Kind {
	case FailureRowCountMismatch:
		return "The number of rows in the uploaded CSV file does not match the expected number of full texts in the project. " +
			"Please ensure the CSV file includes one row per full text, in the same order as the project's full texts."
	case FailureMissingAttributes:
		return "Required attributes are missing. Please provide all necessary fields and try again."
	}

	var apiErr *api.APIError
	if errors.As(e.Err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "An unexpected error occurred during upload."
}

// CancellationError ends a session the user cancelled. It is not a failure.
type CancellationError struct {
	ProjectPK int
	Uploaded  int
	Total     int
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("upload cancelled after %d/%d chunks", e.Uploaded, e.Total)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

// classify prefers the structured error code and falls back to the message text.
func classify(err error) FailureKind {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return FailureGeneric
	}

	switch apiErr.Code {
	case string(FailureRowCountMismatch):
		return FailureRowCountMismatch
	case string(FailureMissingAttributes):
		return FailureMissingAttributes
	case "":
	default:
		return FailureGeneric
	}

	switch strings.TrimSpace(apiErr.Message) {
	case msgRowCountMismatch:
		return FailureRowCountMismatch
	case msgMissingAttributes:
		return FailureMissingAttributes
	}
	return FailureGeneric
}

// UserMessage renders any pipeline error for display. Cancellation yields "".
func UserMessage(err error) string {
	if err == nil || errors.Is(err, ErrCancelled) {
		return ""
	}

	var chunkErr *ChunkUploadError
	if errors.As(err, &chunkErr) {
		return chunkErr.UserMessage()
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return "Please fix the input: " + strings.Join(valErr.Problems, "; ")
	}

	var createErr *CreationError
	if errors.As(err, &createErr) {
		var apiErr *api.APIError
		if errors.As(createErr.Err, &apiErr) && apiErr.Message != "" {
			return apiErr.Message
		}
		return "The project could not be created. Please try again later."
	}

	return "An unexpected error occurred during upload."
}
