package pheromone

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/lockfile"
)

// ErrStoreCorrupted marks an unreadable persistent artifact. Fatal: the run
// terminates after a best-effort manifest dump.
var ErrStoreCorrupted = errors.New("pheromone store corrupted")

// Store is the shared medium. The persisted maps are the source of truth;
// in-memory state is transient and scoped to a single lock acquisition, so
// readers always see the latest committed state.
type Store struct {
	dir       string
	paths     map[string]string
	auditPath string

	decayType           string
	decayRate           float64
	inhibitionDecayRate float64

	guard  *Guardrails
	logger *slog.Logger
}

// MaintenanceResult reports what tick-start maintenance changed.
type MaintenanceResult struct {
	TTLReleased   []string
	RetryRequeued []string
}

// NewStore opens (creating if needed) the pheromone artifacts under
// baseDir/pheromones.
func NewStore(baseDir string, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(baseDir, "pheromones")
	s := &Store{
		dir:                 dir,
		paths:               map[string]string{},
		auditPath:           filepath.Join(dir, AuditLogFile),
		decayType:           cfg.Pheromones.DecayType,
		decayRate:           cfg.Pheromones.DecayRate,
		inhibitionDecayRate: cfg.Pheromones.InhibitionDecayRate,
		guard: NewGuardrails(
			cfg.Budgets.MaxTokensTotal,
			cfg.Thresholds.MaxRetryCount,
			cfg.Thresholds.ScopeLockTTL,
		),
		logger: logger,
	}
	for mapName, filename := range mapFiles {
		s.paths[mapName] = filepath.Join(dir, filename)
	}
	if err := s.ensureFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

// Guardrails exposes the guardrail set shared with the orchestrator.
func (s *Store) Guardrails() *Guardrails { return s.guard }

// AuditLogPath returns the journal location for metrics and diagnostics.
func (s *Store) AuditLogPath() string { return s.auditPath }

// Reset clears the three maps and truncates the audit log for a fresh run.
func (s *Store) Reset() error {
	for _, path := range s.paths {
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			return fmt.Errorf("reset map %s: %w", path, err)
		}
	}
	if err := os.WriteFile(s.auditPath, nil, 0o644); err != nil {
		return fmt.Errorf("reset audit log: %w", err)
	}
	return nil
}

// ReadAll returns a snapshot of one map at a consistent point.
func (s *Store) ReadAll(mapName string) (map[string]Entry, error) {
	path, err := s.mapPath(mapName)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s map: %w", mapName, err)
	}
	defer f.Close()
	if err := lockfile.FlockExclusive(f); err != nil {
		return nil, fmt.Errorf("lock %s map: %w", mapName, err)
	}
	defer func() { _ = lockfile.FlockUnlock(f) }()
	return s.loadPayload(f, path)
}

// ReadOne returns one entry or nil when absent.
func (s *Store) ReadOne(mapName, fileID string) (Entry, error) {
	payload, err := s.ReadAll(mapName)
	if err != nil {
		return nil, err
	}
	return payload[fileID], nil
}

// Write creates or overwrites one entry. The scope lock is enforced before
// the mutation; the audit append must succeed for the write to stick.
func (s *Store) Write(mapName, fileID string, data Entry, role string) error {
	if _, err := s.mapPath(mapName); err != nil {
		return err
	}
	if err := s.enforceScopeLock(fileID, role); err != nil {
		return err
	}

	_, err := s.upsertEntry(mapName, fileID, role, func(prev Entry) (Entry, string, error) {
		candidate := deepCopy(data)
		operation := OperationUpdate
		if len(prev) == 0 {
			operation = OperationCreate
		}
		candidate, err := s.finalizeStatusEntry(mapName, fileID, prev, candidate, role)
		if err != nil {
			return nil, operation, err
		}
		return s.guard.StampTrace(candidate, role, operation), operation, nil
	})
	return err
}

// Update merges changed fields into one entry. Unknown fields are rejected;
// status transitions are validated against the state machine.
func (s *Store) Update(mapName, fileID string, fields Fields, role string) error {
	if _, err := s.mapPath(mapName); err != nil {
		return err
	}
	allowed := allowedFields[mapName]
	for key := range fields {
		if !allowed[key] {
			return fmt.Errorf("unknown field %q for %s map", key, mapName)
		}
	}
	if err := s.enforceScopeLock(fileID, role); err != nil {
		return err
	}

	_, err := s.upsertEntry(mapName, fileID, role, func(prev Entry) (Entry, string, error) {
		candidate := deepCopy(prev)
		if candidate == nil {
			candidate = Entry{}
		}
		operation := OperationUpdate
		if len(prev) == 0 {
			operation = OperationCreate
		}
		for key, value := range fields {
			candidate[key] = value
		}
		candidate, err := s.finalizeStatusEntry(mapName, fileID, prev, candidate, role)
		if err != nil {
			return nil, operation, err
		}
		return s.guard.StampTrace(candidate, role, operation), operation, nil
	})
	return err
}

// ApplyDecay evaporates task intensity for files whose status is pending or
// retry. Working files are actively moving through the pipeline and do not
// decay. Each changed entry produces an audit event from system_decay.
func (s *Store) ApplyDecay(mapName string) error {
	if mapName != MapTasks {
		return nil
	}
	statusData, err := s.ReadAll(MapStatus)
	if err != nil {
		return err
	}

	var events []AuditEvent
	err = s.mutatePayload(MapTasks, func(payload map[string]Entry) error {
		for fileID, entry := range payload {
			statusValue := StatusPending
			if statusEntry, ok := statusData[fileID]; ok {
				statusValue = StatusOf(statusEntry)
			}
			if statusValue != StatusPending && statusValue != StatusRetry {
				continue
			}
			intensity, ok := entry["intensity"].(float64)
			if !ok {
				continue
			}
			updated := DecayIntensity(intensity, s.decayType, s.decayRate)
			if updated == intensity {
				continue
			}
			entry["intensity"] = updated
			entry["timestamp"] = UTCTimestamp()
			entry["agent"] = RoleSystemDecay
			events = append(events, AuditEvent{
				Timestamp:      UTCTimestamp(),
				Role:           RoleSystemDecay,
				MapName:        MapTasks,
				FileID:         fileID,
				Operation:      OperationUpdate,
				FieldsChanged:  map[string]any{"intensity": updated},
				PreviousValues: map[string]any{"intensity": intensity},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendAuditEvents(events)
}

// ApplyInhibitionDecay evaporates gamma on every status entry carrying it.
func (s *Store) ApplyInhibitionDecay() error {
	var events []AuditEvent
	err := s.mutatePayload(MapStatus, func(payload map[string]Entry) error {
		for fileID, entry := range payload {
			inhibition, ok := entry["inhibition"].(float64)
			if !ok || inhibition <= 0 {
				continue
			}
			updated := DecayInhibition(inhibition, s.inhibitionDecayRate)
			if updated == inhibition {
				continue
			}
			entry["inhibition"] = updated
			entry["timestamp"] = UTCTimestamp()
			entry["agent"] = RoleSystemDecay
			events = append(events, AuditEvent{
				Timestamp:      UTCTimestamp(),
				Role:           RoleSystemDecay,
				MapName:        MapStatus,
				FileID:         fileID,
				Operation:      OperationUpdate,
				FieldsChanged:  map[string]any{"inhibition": updated},
				PreviousValues: map[string]any{"inhibition": inhibition},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendAuditEvents(events)
}

// MaintainStatus runs tick-start maintenance: zombie lock release past the
// scope lock TTL, then retry -> pending promotion. Both are audited.
func (s *Store) MaintainStatus(currentTick int) (MaintenanceResult, error) {
	var result MaintenanceResult
	var events []AuditEvent

	err := s.mutatePayload(MapStatus, func(payload map[string]Entry) error {
		previousPayload := map[string]Entry{}
		for fileID, entry := range payload {
			previousPayload[fileID] = deepCopy(entry)
		}

		released := s.guard.EnforceScopeLockTTL(payload, currentTick)
		for _, fileID := range released {
			previous := previousPayload[fileID]
			updated := payload[fileID]
			events = append(events, AuditEvent{
				Timestamp: UTCTimestamp(),
				Role:      RoleSystemTTL,
				MapName:   MapStatus,
				FileID:    fileID,
				Operation: OperationUpdate,
				FieldsChanged: map[string]any{
					"status":      String(updated, "status"),
					"retry_count": Int(updated, "retry_count"),
				},
				PreviousValues: map[string]any{
					"status":      String(previous, "status"),
					"retry_count": Int(previous, "retry_count"),
				},
			})
		}
		result.TTLReleased = released

		for fileID, entry := range payload {
			if String(entry, "status") != StatusRetry {
				continue
			}
			previousStatus := String(entry, "status")
			entry["previous_status"] = previousStatus
			entry["status"] = StatusPending
			entry["timestamp"] = UTCTimestamp()
			entry["agent"] = RoleSystemRetry
			result.RetryRequeued = append(result.RetryRequeued, fileID)
			events = append(events, AuditEvent{
				Timestamp:      UTCTimestamp(),
				Role:           RoleSystemRetry,
				MapName:        MapStatus,
				FileID:         fileID,
				Operation:      OperationUpdate,
				FieldsChanged:  map[string]any{"status": StatusPending},
				PreviousValues: map[string]any{"status": previousStatus},
			})
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	sort.Strings(result.TTLReleased)
	sort.Strings(result.RetryRequeued)
	return result, s.appendAuditEvents(events)
}

// mapPath validates the map name.
func (s *Store) mapPath(mapName string) (string, error) {
	path, ok := s.paths[mapName]
	if !ok {
		return "", fmt.Errorf("invalid map name %q", mapName)
	}
	return path, nil
}

// enforceScopeLock reads the file's status entry and rejects mutations while
// another role holds the lock.
func (s *Store) enforceScopeLock(fileID, role string) error {
	statusEntry, err := s.ReadOne(MapStatus, fileID)
	if err != nil {
		return err
	}
	return s.guard.EnforceScopeLock(fileID, role, statusEntry)
}

// finalizeStatusEntry applies the status-map write rules: transition
// validation, retry monotonicity, implicit lock acquire/release, and the
// retry ceiling. Non-status maps pass through untouched.
func (s *Store) finalizeStatusEntry(mapName, fileID string, prev, candidate Entry, role string) (Entry, error) {
	if mapName != MapStatus {
		return candidate, nil
	}

	currentTick := Int(candidate, "current_tick")
	delete(candidate, "current_tick")

	previousStatus := ""
	if len(prev) > 0 {
		previousStatus = String(prev, "status")
	}
	candidateStatus := String(candidate, "status")
	if err := ValidateTransition(previousStatus, candidateStatus); err != nil {
		return nil, fmt.Errorf("%s: %w", fileID, err)
	}

	previousRetry := 0
	if len(prev) > 0 {
		previousRetry = Int(prev, "retry_count")
	}
	candidateRetry := previousRetry
	if _, ok := candidate["retry_count"]; ok {
		candidateRetry = Int(candidate, "retry_count")
	}
	if candidateRetry < previousRetry {
		candidateRetry = previousRetry
	}
	candidate["retry_count"] = candidateRetry

	if candidateStatus == StatusInProgress {
		candidate = s.guard.AcquireScopeLock(candidate, role, currentTick)
	} else {
		candidate = s.guard.ReleaseScopeLock(candidate, role)
	}

	// Retry ceiling: a retry request past the ceiling parks the file instead.
	if candidateStatus == StatusRetry && s.guard.EnforceRetryLimit(candidateRetry) {
		candidate["status"] = StatusSkipped
	}

	return candidate, nil
}

// upsertEntry runs one locked read-modify-write on a map file and appends the
// audit event. If the audit append fails the map mutation is rolled back and
// the error surfaced: a mutation without its journal line never survives.
func (s *Store) upsertEntry(
	mapName, fileID, role string,
	transform func(prev Entry) (Entry, string, error),
) (Entry, error) {
	path := s.paths[mapName]

	var previousBytes []byte
	var previousEntry, updatedEntry Entry
	var operation string

	err := s.withLockedFile(path, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %s map: %w", mapName, err)
		}
		previousBytes = raw
		payload, err := parsePayload(raw, path)
		if err != nil {
			return err
		}
		previousEntry = deepCopy(payload[fileID])
		updated, op, err := transform(deepCopy(payload[fileID]))
		if err != nil {
			return err
		}
		operation = op
		updatedEntry = updated
		payload[fileID] = updated
		return writePayload(f, payload)
	})
	if err != nil {
		return nil, err
	}

	changed, prior := diffEntry(previousEntry, updatedEntry)
	event := AuditEvent{
		Timestamp:      UTCTimestamp(),
		Role:           role,
		MapName:        mapName,
		FileID:         fileID,
		Operation:      operation,
		FieldsChanged:  changed,
		PreviousValues: prior,
	}
	if auditErr := s.appendAuditEvents([]AuditEvent{event}); auditErr != nil {
		rollbackErr := s.withLockedFile(path, func(f *os.File) error {
			return replaceContents(f, previousBytes)
		})
		if rollbackErr != nil {
			s.logger.Error("rollback after audit failure also failed",
				"map", mapName, "file_id", fileID, "error", rollbackErr)
		}
		return nil, fmt.Errorf("audit append failed, mutation rolled back: %w", auditErr)
	}

	return updatedEntry, nil
}

// mutatePayload runs one locked whole-map mutation.
func (s *Store) mutatePayload(mapName string, mutate func(payload map[string]Entry) error) error {
	path := s.paths[mapName]
	return s.withLockedFile(path, func(f *os.File) error {
		payload, err := s.loadPayload(f, path)
		if err != nil {
			return err
		}
		if err := mutate(payload); err != nil {
			return err
		}
		return writePayload(f, payload)
	})
}

func (s *Store) withLockedFile(path string, fn func(f *os.File) error) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := lockfile.FlockExclusive(f); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() { _ = lockfile.FlockUnlock(f) }()
	return fn(f)
}

func (s *Store) loadPayload(f *os.File, path string) (map[string]Entry, error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parsePayload(raw, path)
}

func parsePayload(raw []byte, path string) (map[string]Entry, error) {
	if len(raw) == 0 {
		return map[string]Entry{}, nil
	}
	var payload map[string]Entry
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON in %s: %v", ErrStoreCorrupted, path, err)
	}
	if payload == nil {
		payload = map[string]Entry{}
	}
	return payload, nil
}

func writePayload(f *os.File, payload map[string]Entry) error {
	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal map payload: %w", err)
	}
	return replaceContents(f, append(serialized, '\n'))
}

func replaceContents(f *os.File, data []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) ensureFiles() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create pheromone dir: %w", err)
	}
	for _, path := range s.paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
			if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
				return fmt.Errorf("initialize %s: %w", path, err)
			}
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if _, err := os.Stat(s.auditPath); os.IsNotExist(err) {
		if err := os.WriteFile(s.auditPath, nil, 0o644); err != nil {
			return fmt.Errorf("initialize audit log: %w", err)
		}
	}
	return nil
}

// deepCopy clones an entry through a JSON round trip, which also normalizes
// numeric types to what persistence will produce.
func deepCopy(e Entry) Entry {
	if e == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}
	}
	var out Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return Entry{}
	}
	return out
}
