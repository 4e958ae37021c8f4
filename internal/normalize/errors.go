package normalize

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a payload was rejected.
type ErrorKind string

const (
	// MissingField means a mandatory field was absent or empty.
	MissingField ErrorKind = "missing_field"

	// MalformedField means a field was present but could not be coerced
	// to its canonical type.
	MalformedField ErrorKind = "malformed_field"
)

// ValidationError is a terminal rejection of an extraction payload.
// Records that fail validation are never written to any ledger.
type ValidationError struct {
	// Kind is the rejection category.
	Kind ErrorKind

	// Field is the payload field that caused the rejection.
	Field string

	// Detail provides additional context about the failure.
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("normalize: %s %q: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("normalize: %s %q", e.Kind, e.Field)
}

// Is matches two validation errors by kind, so callers can test
// errors.Is(err, &ValidationError{Kind: MissingField}).
func (e *ValidationError) Is(target error) bool {
	var ve *ValidationError
	if !errors.As(target, &ve) {
		return false
	}
	return ve.Kind == e.Kind && (ve.Field == "" || ve.Field == e.Field)
}

func missing(field string) error {
	return &ValidationError{Kind: MissingField, Field: field}
}

func malformed(field, detail string) error {
	return &ValidationError{Kind: MalformedField, Field: field, Detail: detail}
}

// WarningKind classifies non-fatal findings attached to an accepted record.
type WarningKind string

const (
	// ValueMismatch means the item totals do not sum to the invoice total
	// within tolerance. The record is still persisted; OCR rounding is expected.
	ValueMismatch WarningKind = "value_mismatch"

	// ItemDropped means a single line item failed normalization and was
	// excluded from the record.
	ItemDropped WarningKind = "item_dropped"
)

// Warning is a non-fatal finding surfaced to the caller alongside an
// accepted record.
type Warning struct {
	Kind    WarningKind
	Field   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s (%s): %s", w.Kind, w.Field, w.Message)
}
