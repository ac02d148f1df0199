package settle

import (
	"errors"
	"fmt"
)

// PartialFailureError reports a plan that failed after at least one call in
// it had already finalized on-ledger. The partial effects are irreversible
// from this layer; the entity is parked in its partial-failure status and an
// operator must resume or compensate out of band.
type PartialFailureError struct {
	EntityKind string
	EntityID   string
	PlanID     string
	TotalCalls int
	Finalized  int
	FailedCall int
	Reason     string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("settle: partial failure on %s %s: call %d/%d failed after %d finalized: %s",
		e.EntityKind, e.EntityID, e.FailedCall+1, e.TotalCalls, e.Finalized, e.Reason)
}

// IsPartialFailure reports whether err is a PartialFailureError.
func IsPartialFailure(err error) bool {
	var pf *PartialFailureError
	return errors.As(err, &pf)
}

// ErrNotActionable is returned when an entity is no longer in a status the
// sequencer may act on; callers treat it as a benign skip (trigger race or
// double fire).
var ErrNotActionable = errors.New("settle: entity not actionable")
