package extract

import (
	"errors"
	"fmt"
)

// Common extraction errors
var (
	// ErrUnsupportedFormat is returned when the document format cannot be
	// handled by any configured extractor.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrDocumentTooLarge is returned when the document exceeds size limits.
	ErrDocumentTooLarge = errors.New("document exceeds maximum size limit")

	// ErrEmptyDocument is returned when no usable content was found.
	ErrEmptyDocument = errors.New("document contains no extractable content")

	// ErrExtractionFailed is returned when the extraction backend fails.
	ErrExtractionFailed = errors.New("document extraction failed")

	// ErrMalformedResponse is returned when the extraction backend answers
	// with something that cannot be parsed into a payload.
	ErrMalformedResponse = errors.New("malformed extraction response")

	// ErrMissingCredentials is returned when backend credentials are not configured.
	ErrMissingCredentials = errors.New("missing extraction backend credentials")

	// ErrInvalidCredentials is returned when backend credentials are invalid
	// or lack the necessary permissions.
	ErrInvalidCredentials = errors.New("invalid extraction backend credentials")

	// ErrQuotaExceeded is returned when backend API quota limits are exceeded.
	ErrQuotaExceeded = errors.New("extraction backend quota exceeded")
)

// ExtractionError wraps errors with additional context about extraction failures.
type ExtractionError struct {
	// Op is the operation that failed (e.g., "ExtractPDF", "ExtractImage").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("extract: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("extract: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is implements error matching for wrapped sentinel errors.
func (e *ExtractionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapExtractionError wraps an error as an ExtractionError if it isn't already one.
func WrapExtractionError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return err
	}

	return &ExtractionError{Op: op, Err: err, Details: details}
}
