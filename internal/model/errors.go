package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAmbiguous        = errors.New("ambiguous reference")
	ErrValidation       = errors.New("validation failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("conflict")
	ErrLocked           = errors.New("document is locked")
	ErrFolderCycle      = errors.New("folder move would create a cycle")
	ErrFolderNotEmpty   = errors.New("folder is not empty")
)

// ValidationError reports a bad field value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AmbiguousError carries the candidates a name could refer to.
type AmbiguousError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q matches %d candidates: %s", e.Name, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// NotFound wraps ErrNotFound with what was looked up.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Unavailable marks err as a backing-store failure.
func Unavailable(store string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", store, ErrStoreUnavailable, err)
}

// UserMessage turns an error into text a person can act on.
func UserMessage(err error) string {
	var verr *ValidationError
	var aerr *AmbiguousError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return fmt.Sprintf("The %s value is not valid: %s.", verr.Field, verr.Reason)
	case errors.As(err, &aerr):
		return fmt.Sprintf("%q could mean %s. Which one did you mean?", aerr.Name, strings.Join(aerr.Candidates, " or "))
	case errors.Is(err, ErrNotFound):
		return "That item could not be found. It may have been deleted."
	case errors.Is(err, ErrLocked):
		return "This document is locked and cannot be edited."
	case errors.Is(err, ErrFolderCycle):
		return "A folder cannot be moved inside itself."
	case errors.Is(err, ErrFolderNotEmpty):
		return "The folder is not empty. Delete its contents first or delete recursively."
	case errors.Is(err, ErrConflict):
		return "Someone else created this at the same time. The existing item was used."
	case errors.Is(err, ErrStoreUnavailable):
		return "Storage is temporarily unavailable. Please try again."
	default:
		return "Something went wrong: " + err.Error()
	}
}
