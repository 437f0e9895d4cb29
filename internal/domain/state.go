package domain

import "fmt"

// EnsureTransition rejects row state changes outside the scheduling lifecycle
// unless force is set.
func EnsureTransition(from, to RowState, force bool) error {
	if force {
		return nil
	}
	if from == "" {
		from = StateUnscheduled
	}
	switch from {
	case StateUnscheduled:
		if to == StateScheduled {
			return nil
		}
	case StateScheduled:
		if to == StateCancelled || to == StateUpdated || to == StateUnscheduled {
			return nil
		}
	case StateUpdated:
		if to == StateCancelled || to == StateUpdated || to == StateUnscheduled {
			return nil
		}
	case StateCancelled:
		if to == StateScheduled || to == StateUnscheduled {
			return nil
		}
	}
	return fmt.Errorf("invalid row state transition %s -> %s", from, to)
}
