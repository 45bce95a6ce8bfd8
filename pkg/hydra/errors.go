// Package hydra implements the consensus engine proper: the leader and
// follower committers, recovery, and the epoch/election wiring that
// sits on top of the lower-level changelog, snapshot store, and
// decorated automaton packages.
package hydra

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when a request cannot be served because the
// leader lease has expired, the epoch was cancelled, or no healthy cell
// exists. Callers should retry.
var ErrUnavailable = errors.New("hydra: unavailable")

// ErrReadOnly is returned once a cell has entered sticky read-only mode;
// every subsequent draft is rejected until the epoch ends.
var ErrReadOnly = errors.New("hydra: read-only")

// ErrLoggingFailed is returned when an append to the changelog store
// fails. Observing it always triggers an epoch restart; no partial log
// is ever exposed to a caller.
var ErrLoggingFailed = errors.New("hydra: logging failed")

// ErrInvalidEpoch is returned when a message carries an epoch (term) that
// does not match the current one. Callers discard the message silently;
// it is never surfaced as a hard failure.
var ErrInvalidEpoch = errors.New("hydra: invalid epoch")

// ErrInvalidMountRevision is returned when a message's mount_revision does
// not match the tablet's current one. As with ErrInvalidEpoch, the
// message is stale and discarded silently.
var ErrInvalidMountRevision = errors.New("hydra: invalid mount revision")

// InvariantViolation signals a protocol check that should be impossible:
// a sequence gap, a random-seed mismatch, or an unexpected notification.
// It is always logged as an alert; the core never silently corrects it.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("hydra: invariant violation: %s", e.What)
}

// UserError wraps a prepare-time validation failure surfaced verbatim to
// the operator. The catalog is left untouched when this is returned.
type UserError struct {
	Reason string
}

func (e *UserError) Error() string {
	return fmt.Sprintf("hydra: %s", e.Reason)
}
