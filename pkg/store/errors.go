package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entity id is unknown to the store.
var ErrNotFound = errors.New("store: entity not found")

// TransitionError rejects a status change that is not an edge of the
// entity's status graph. Terminal statuses accept no transition at all.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("store: illegal %s transition %s -> %s (id=%s)", e.Entity, e.From, e.To, e.ID)
}

// IsTransitionError reports whether err is a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

func legalOrderTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func legalPositionTransition(from, to PositionStatus) bool {
	for _, next := range positionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func legalBetTransition(from, to BetStatus) bool {
	for _, next := range betTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
