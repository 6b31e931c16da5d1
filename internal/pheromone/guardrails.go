package pheromone

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockViolation is surfaced when a scope lock is held by another role.
// Role runtimes treat it as "do not act" rather than a failure.
var ErrLockViolation = errors.New("scope lock violation")

// ErrBudgetExceeded is raised when token spend crosses the configured ceiling.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Guardrails holds the budget, anti-loop, scope lock, TTL, and trace rules.
// The store applies the anti-loop, scope lock, TTL, and trace rules on its
// mutations; the token budget check is not called by the store.
type Guardrails struct {
	MaxTokensTotal int
	MaxRetryCount  int
	ScopeLockTTL   int
}

// NewGuardrails builds the guardrail set from configured ceilings.
func NewGuardrails(maxTokensTotal, maxRetryCount, scopeLockTTL int) *Guardrails {
	return &Guardrails{
		MaxTokensTotal: maxTokensTotal,
		MaxRetryCount:  maxRetryCount,
		ScopeLockTTL:   scopeLockTTL,
	}
}

// EnforceTokenBudget errors once total usage crosses the ceiling.
func (g *Guardrails) EnforceTokenBudget(totalTokensUsed int) error {
	if totalTokensUsed > g.MaxTokensTotal {
		return fmt.Errorf("%w: %d > %d", ErrBudgetExceeded, totalTokensUsed, g.MaxTokensTotal)
	}
	return nil
}

// EnforceRetryLimit reports whether a file must be parked as skipped.
func (g *Guardrails) EnforceRetryLimit(retryCount int) bool {
	return retryCount > g.MaxRetryCount
}

// EnforceScopeLock ensures only the lock holder can mutate an in-progress file.
func (g *Guardrails) EnforceScopeLock(fileID, role string, statusEntry Entry) error {
	if statusEntry == nil {
		return nil
	}
	lockOwner := String(statusEntry, "lock_owner")
	if String(statusEntry, "status") == StatusInProgress && lockOwner != "" && lockOwner != role {
		return fmt.Errorf("%w: %s held by %s, not %s", ErrLockViolation, fileID, lockOwner, role)
	}
	return nil
}

// AcquireScopeLock attaches lock ownership metadata to a status entry.
func (g *Guardrails) AcquireScopeLock(statusEntry Entry, role string, currentTick int) Entry {
	statusEntry["lock_owner"] = role
	statusEntry["lock_acquired_tick"] = currentTick
	return statusEntry
}

// ReleaseScopeLock clears lock metadata when the current owner completes or
// fails. A foreign owner's lock is left alone.
func (g *Guardrails) ReleaseScopeLock(statusEntry Entry, role string) Entry {
	lockOwner := String(statusEntry, "lock_owner")
	if lockOwner == "" || lockOwner == role {
		delete(statusEntry, "lock_owner")
		delete(statusEntry, "lock_acquired_tick")
	}
	return statusEntry
}

// EnforceScopeLockTTL releases zombie in-progress locks past TTL and requeues
// the files as pending with an incremented retry count. Returns released ids.
func (g *Guardrails) EnforceScopeLockTTL(statusData map[string]Entry, currentTick int) []string {
	var released []string

	for fileID, entry := range statusData {
		if String(entry, "status") != StatusInProgress {
			continue
		}
		if String(entry, "lock_owner") == "" {
			continue
		}
		if _, ok := entry["lock_acquired_tick"]; !ok {
			continue
		}
		if currentTick-Int(entry, "lock_acquired_tick") > g.ScopeLockTTL {
			entry["previous_status"] = String(entry, "status")
			entry["status"] = StatusPending
			entry["retry_count"] = Int(entry, "retry_count") + 1
			entry["timestamp"] = UTCTimestamp()
			entry["agent"] = RoleSystemTTL
			delete(entry, "lock_owner")
			delete(entry, "lock_acquired_tick")
			released = append(released, fileID)
		}
	}

	return released
}

// StampTrace attaches traceability metadata to every write/update payload.
func (g *Guardrails) StampTrace(payload Entry, role, operation string) Entry {
	payload["timestamp"] = UTCTimestamp()
	payload["agent"] = role
	if operation == OperationCreate {
		if _, ok := payload["created_by"]; !ok {
			payload["created_by"] = role
		}
		if _, ok := payload["created_at"]; !ok {
			payload["created_at"] = payload["timestamp"]
		}
	}
	return payload
}

// UTCTimestamp returns the wall clock in ISO-8601 with a Z suffix, at second
// precision, the format used across the maps and the audit log.
func UTCTimestamp() string {
	return time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
