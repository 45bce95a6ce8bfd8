// Package tabletmanager implements the tablet lifecycle controller: it
// drives tablets through mount/unmount/freeze/unfreeze/reshard/move via
// idempotent messages to cell leaders, reconciles reported states, and
// owns the tablet action finite-state machine for multi-step
// transitions.
package tabletmanager

import (
	"errors"
	"fmt"
)

// ErrUnavailable mirrors pkg/hydra's: no healthy cell, or the owning
// cell's leader could not be reached. Callers retry.
var ErrUnavailable = errors.New("tabletmanager: unavailable")

// ErrInvalidMountRevision names the case of a notification from a cell
// whose mount_revision no longer matches the tablet's current one. The
// controller's notification handlers discard such a message silently
// and return nil, not this error.
var ErrInvalidMountRevision = errors.New("tabletmanager: invalid mount revision")

// UserError wraps a prepare-time validation failure surfaced verbatim to
// the operator. The catalog is left untouched when this is returned.
type UserError struct {
	Reason string
}

func (e *UserError) Error() string {
	return fmt.Sprintf("tabletmanager: %s", e.Reason)
}

// InvariantViolation signals a protocol check that should be impossible:
// an unexpected notification from a cell, or a reconciliation state the
// catalog should never observe. Logged as an alert; the affected tablet
// is left in place with the discrepancy flagged rather than silently
// corrected.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("tabletmanager: invariant violation: %s", e.What)
}
