package pheromone

import (
	"errors"
	"fmt"
)

// ErrTransitionInvalid marks a rejected state change. This is a programming
// error in the caller, never silently reverted.
var ErrTransitionInvalid = errors.New("invalid status transition")

// validTransitions is the per-file lifecycle. The empty key is the absent
// entry (first discovery). needs_review exits only through an external review
// decision; validated and skipped never exit.
var validTransitions = map[string]map[string]bool{
	"": {StatusPending: true},
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusTransformed: true,
		StatusPending:     true, // TTL zombie release
		StatusFailed:      true,
		StatusRetry:       true, // syntax gate exhausted its repair budget
	},
	StatusTransformed: {
		StatusTested: true,
	},
	StatusTested: {
		StatusValidated:   true,
		StatusNeedsReview: true,
		StatusFailed:      true,
	},
	StatusFailed: {
		StatusRetry:   true,
		StatusSkipped: true,
	},
	StatusRetry: {
		StatusPending: true, // tick-start maintenance
	},
	StatusNeedsReview: {
		StatusValidated: true, // review decisions
		StatusRetry:     true,
		StatusSkipped:   true,
	},
	StatusValidated: {},
	StatusSkipped:   {},
}

// ValidateTransition rejects lifecycle moves outside the transition table.
// Same-state writes are allowed so metadata-only updates pass through.
func ValidateTransition(from, to string) error {
	if from == to {
		return nil
	}
	targets, known := validTransitions[from]
	if !known {
		return fmt.Errorf("%w: unknown status %q", ErrTransitionInvalid, from)
	}
	if !targets[to] {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, displayStatus(from), to)
	}
	return nil
}

func displayStatus(s string) string {
	if s == "" {
		return "(absent)"
	}
	return s
}
