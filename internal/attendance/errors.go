package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotStarted is returned by stop/pause/resume on a record without a start time.
	ErrNotStarted = errors.New("record not started")

	// ErrPrecondition is the parent of every rejected state transition.
	ErrPrecondition = errors.New("precondition violation")

	ErrAlreadyStarted = fmt.Errorf("%w: record already started", ErrPrecondition)
	ErrAlreadyEnded   = fmt.Errorf("%w: record already ended", ErrPrecondition)
	ErrAlreadyPaused  = fmt.Errorf("%w: record already paused", ErrPrecondition)
	ErrNotPaused      = fmt.Errorf("%w: record not paused", ErrPrecondition)
	ErrNoBreakBudget  = fmt.Errorf("%w: no break time left", ErrPrecondition)

	ErrSubjectNotFound      = errors.New("subject not found")
	ErrDurationUnavailable  = errors.New("subject duration unavailable")
	ErrNoActiveSubject      = errors.New("no active subject")
	ErrSubjectActive        = errors.New("a subject is already active")
	ErrTransitionInProgress = errors.New("subject transition in progress")
	ErrInvalidStatus        = errors.New("invalid status")
)
