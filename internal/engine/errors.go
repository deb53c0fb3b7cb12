package engine

import (
	"errors"
	"fmt"

	"watchkeeper/internal/repo"
)

// Machine codes carried by InvalidTransitionError.
const (
	CodeInvalidTransition    = "invalid_state_transition"
	CodeDraftFrozen          = "draft_frozen"
	CodeConfirmationRequired = "confirmation_required"
	CodeWrongSignatory       = "wrong_signatory"
	CodeUnresolvedConflicts  = "unresolved_conflicts"
	CodeEntryNotCandidate    = "entry_not_candidate"
	CodeAlreadyClassified    = "already_classified"
)

var (
	// ErrConcurrencyConflict means the draft changed between read and write.
	ErrConcurrencyConflict = errors.New("handover was modified concurrently; reload and retry")
	// ErrGenerationBusy means another generation held the vessel lock for the whole wait.
	ErrGenerationBusy = errors.New("draft generation already in progress for this vessel; retry shortly")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError covers missing ids and ids outside the caller's vessel.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

type InvalidTransitionError struct {
	Code    string
	DraftID string
	From    string
	To      string
	Message string
}

func (e InvalidTransitionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.To == "" {
		return fmt.Sprintf("handover %s cannot change while %s", e.DraftID, e.From)
	}
	return fmt.Sprintf("handover %s cannot move from %s to %s", e.DraftID, e.From, e.To)
}

// ClassificationUnavailableError is returned alongside a saved entry when the
// classifier could not be reached, and on its own when assembly aborts.
type ClassificationUnavailableError struct {
	Err error
}

func (e ClassificationUnavailableError) Error() string {
	return fmt.Sprintf("classification unavailable: %v", e.Err)
}

func (e ClassificationUnavailableError) Unwrap() error { return e.Err }

// SnapshotIntegrityError means the stored snapshot no longer matches the
// signed document hash. Export halts.
type SnapshotIntegrityError struct {
	DraftID  string
	Expected string
	Actual   string
	Source   string
}

func (e SnapshotIntegrityError) Error() string {
	return fmt.Sprintf("snapshot integrity check failed for draft %s (%s): expected %s, got %s", e.DraftID, e.Source, e.Expected, e.Actual)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}
