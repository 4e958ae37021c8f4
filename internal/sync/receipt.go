package sync

import (
	"errors"
	"fmt"

	"nfsync/pkg/models"
)

// StepStatus reports what one write step did to its destination.
type StepStatus string

const (
	// StepInserted means a fresh row was written.
	StepInserted StepStatus = "inserted"

	// StepUpdated means a pre-existing row for the dedup key was replaced.
	StepUpdated StepStatus = "updated"

	// StepSkipped means the destination already holds this record's rows
	// (idempotent resume) or the record had nothing to write.
	StepSkipped StepStatus = "skipped"

	// StepFailed means the step exhausted its retry budget or hit a
	// permanent error.
	StepFailed StepStatus = "failed"

	// StepPending means the step was never reached because an earlier
	// step failed.
	StepPending StepStatus = "pending"
)

// CommitReceipt describes the outcome of one commit invocation: which
// ledgers were written and whether each write was an insert, an update of a
// pre-existing row, or skipped on resume.
type CommitReceipt struct {
	Key          models.DedupKey
	ProcessingID string

	Summary StepStatus
	Items   StepStatus
	Issuer  StepStatus

	// ItemRows is the number of item rows written (or already present).
	ItemRows int

	// IssuerLedger is the resolved per-issuer ledger name, when reached.
	IssuerLedger string

	// Complete is true when all three destinations hold the record. When
	// false, FailedStep names the step to resume from.
	Complete   bool
	FailedStep string
}

// ErrNotCommittable is returned when a record is in a state that must never
// reach the store (rejected, or already fully committed).
var ErrNotCommittable = errors.New("record is not in a committable state")

// CommitError reports a step failure after retries were exhausted or a
// permanent destination error. The record is left partiallyWritten when any
// earlier step succeeded; re-invoking Commit with the same record resumes
// the missing steps.
type CommitError struct {
	Step string
	Key  models.DedupKey
	Err  error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	return fmt.Sprintf("sync: commit step %q failed for key %s: %v", e.Step, e.Key, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *CommitError) Unwrap() error {
	return e.Err
}
