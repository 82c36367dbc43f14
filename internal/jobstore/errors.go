package jobstore

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("jobstore: not found")

// ErrConflict is returned when a compare-and-set write does not match
// the expected prior state — either the row does not exist, or its
// status no longer matches the caller's expected "from" value.
var ErrConflict = errors.New("jobstore: conflict")

// ErrForbiddenTransition is returned when the requested status change
// is not a legal edge in the job state machine, independent of whether
// the row's current status happens to match "from".
var ErrForbiddenTransition = errors.New("jobstore: forbidden state transition")
