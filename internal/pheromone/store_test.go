package pheromone

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-colony/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), config.Default(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func seedPending(t *testing.T, store *Store, fileID string, intensity float64) {
	t.Helper()
	if err := store.Write(MapTasks, fileID, Entry{
		"intensity":        intensity,
		"pattern_count":    2,
		"dep_count":        0,
		"patterns_found":   []string{"print_statement"},
		"detection_source": "textual",
	}, "discover"); err != nil {
		t.Fatalf("seed task %s: %v", fileID, err)
	}
	if err := store.Write(MapStatus, fileID, Entry{
		"status":      StatusPending,
		"retry_count": 0,
		"inhibition":  0.0,
	}, "discover"); err != nil {
		t.Fatalf("seed status %s: %v", fileID, err)
	}
}

func TestWriteAndReadBack(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.9)

	entry, err := store.ReadOne(MapTasks, "a.py")
	if err != nil {
		t.Fatalf("read one: %v", err)
	}
	if Float(entry, "intensity") != 0.9 {
		t.Fatalf("intensity = %v, want 0.9", Float(entry, "intensity"))
	}
	if String(entry, "created_by") != "discover" {
		t.Fatalf("missing trace stamp: %#v", entry)
	}

	absent, err := store.ReadOne(MapTasks, "missing.py")
	if err != nil {
		t.Fatalf("read absent: %v", err)
	}
	if absent != nil {
		t.Fatalf("expected nil for absent entry, got %#v", absent)
	}
}

func TestWriteInvalidMapName(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("bogus", "a.py", Entry{}, "discover"); err == nil {
		t.Fatal("expected error for invalid map name")
	}
}

func TestUpdateRejectsUnknownFields(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)
	err := store.Update(MapStatus, "a.py", Fields{"surprise": 1}, "transform")
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("expected unknown field rejection, got %v", err)
	}
}

func TestEveryMutationProducesAuditEvent(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)

	if err := store.Update(MapStatus, "a.py", Fields{
		"status": StatusInProgress, "previous_status": StatusPending, "current_tick": 1,
	}, "transform"); err != nil {
		t.Fatalf("update: %v", err)
	}

	events, total, err := store.ReadAuditEvents()
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if total != 3 || len(events) != 3 {
		t.Fatalf("expected 3 audit events (2 writes + 1 update), got %d", total)
	}
	last := events[2]
	if last.MapName != MapStatus || last.Operation != OperationUpdate || last.Role != "transform" {
		t.Fatalf("unexpected audit event: %+v", last)
	}
	if last.FieldsChanged["status"] != StatusInProgress {
		t.Fatalf("fields_changed missing status: %+v", last.FieldsChanged)
	}
	if last.PreviousValues["status"] != StatusPending {
		t.Fatalf("previous_values missing status: %+v", last.PreviousValues)
	}
}

func TestStatusTransitionValidationInWritePath(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)

	err := store.Update(MapStatus, "a.py", Fields{"status": StatusValidated}, "validate")
	if !errors.Is(err, ErrTransitionInvalid) {
		t.Fatalf("expected ErrTransitionInvalid for pending -> validated, got %v", err)
	}

	// The rejected mutation must not have leaked into the map or the journal.
	entry, _ := store.ReadOne(MapStatus, "a.py")
	if StatusOf(entry) != StatusPending {
		t.Fatalf("status mutated despite rejection: %q", StatusOf(entry))
	}
	_, total, _ := store.ReadAuditEvents()
	if total != 2 {
		t.Fatalf("rejected mutation appended audit events: %d", total)
	}
}

func TestScopeLockAcquireAndViolation(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)

	if err := store.Update(MapStatus, "a.py", Fields{
		"status": StatusInProgress, "previous_status": StatusPending, "current_tick": 2,
	}, "transform"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	entry, _ := store.ReadOne(MapStatus, "a.py")
	if String(entry, "lock_owner") != "transform" || Int(entry, "lock_acquired_tick") != 2 {
		t.Fatalf("lock not recorded: %#v", entry)
	}

	// Another role may not mutate while the lock is held.
	err := store.Update(MapStatus, "a.py", Fields{"metadata": map[string]any{"note": "x"}}, "test")
	if !errors.Is(err, ErrLockViolation) {
		t.Fatalf("expected ErrLockViolation, got %v", err)
	}

	// The holder transitions out and the lock releases implicitly.
	if err := store.Update(MapStatus, "a.py", Fields{
		"status": StatusTransformed, "previous_status": StatusInProgress,
	}, "transform"); err != nil {
		t.Fatalf("release: %v", err)
	}
	entry, _ = store.ReadOne(MapStatus, "a.py")
	if _, ok := entry["lock_owner"]; ok {
		t.Fatalf("lock survived transition out of in_progress: %#v", entry)
	}
}

func TestRetryCountNeverDecreases(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)

	if err := store.Update(MapStatus, "a.py", Fields{"retry_count": 2}, "transform"); err != nil {
		t.Fatalf("raise retry: %v", err)
	}
	if err := store.Update(MapStatus, "a.py", Fields{"retry_count": 0}, "transform"); err != nil {
		t.Fatalf("lower retry: %v", err)
	}
	entry, _ := store.ReadOne(MapStatus, "a.py")
	if Int(entry, "retry_count") != 2 {
		t.Fatalf("retry_count decreased: %d", Int(entry, "retry_count"))
	}
}

func TestRetryCeilingParksFileAsSkipped(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)

	// Walk to failed, then request retry with retry_count past the ceiling.
	steps := []Fields{
		{"status": StatusInProgress, "current_tick": 1},
		{"status": StatusFailed},
		{"status": StatusRetry, "retry_count": 4, "inhibition": 0.5},
	}
	for _, fields := range steps {
		if err := store.Update(MapStatus, "a.py", fields, "transform"); err != nil {
			t.Fatalf("step %v: %v", fields, err)
		}
	}
	entry, _ := store.ReadOne(MapStatus, "a.py")
	if StatusOf(entry) != StatusSkipped {
		t.Fatalf("status = %q, want skipped past retry ceiling", StatusOf(entry))
	}
}

func TestMaintainStatusTTLReleaseAndRetryPromotion(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "zombie.py", 0.5)
	seedPending(t, store, "retrying.py", 0.5)

	if err := store.Update(MapStatus, "zombie.py", Fields{
		"status": StatusInProgress, "current_tick": 1,
	}, "transform"); err != nil {
		t.Fatalf("lock zombie: %v", err)
	}
	for _, fields := range []Fields{
		{"status": StatusInProgress, "current_tick": 1},
		{"status": StatusFailed},
		{"status": StatusRetry, "retry_count": 1, "inhibition": 0.5},
	} {
		if err := store.Update(MapStatus, "retrying.py", fields, "transform"); err != nil {
			t.Fatalf("stage retrying.py %v: %v", fields, err)
		}
	}

	result, err := store.MaintainStatus(5)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if len(result.TTLReleased) != 1 || result.TTLReleased[0] != "zombie.py" {
		t.Fatalf("ttl released = %v", result.TTLReleased)
	}
	if len(result.RetryRequeued) != 1 || result.RetryRequeued[0] != "retrying.py" {
		t.Fatalf("retry requeued = %v", result.RetryRequeued)
	}

	zombie, _ := store.ReadOne(MapStatus, "zombie.py")
	if StatusOf(zombie) != StatusPending || Int(zombie, "retry_count") != 1 {
		t.Fatalf("zombie after maintenance: %#v", zombie)
	}
	requeued, _ := store.ReadOne(MapStatus, "retrying.py")
	if StatusOf(requeued) != StatusPending {
		t.Fatalf("retry not promoted: %#v", requeued)
	}
	// Inhibition is left to decay naturally, not cleared.
	if Float(requeued, "inhibition") != 0.5 {
		t.Fatalf("inhibition reset by promotion: %v", Float(requeued, "inhibition"))
	}

	// Both maintenance mutations are audited with before/after values.
	events, _, err := store.ReadAuditEvents()
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var sawTTL, sawRetry bool
	for _, event := range events {
		if event.Role == RoleSystemTTL && event.FileID == "zombie.py" {
			sawTTL = true
			if event.FieldsChanged["status"] != StatusPending || event.PreviousValues["status"] != StatusInProgress {
				t.Fatalf("ttl audit incomplete: %+v", event)
			}
		}
		if event.Role == RoleSystemRetry && event.FileID == "retrying.py" {
			sawRetry = true
		}
	}
	if !sawTTL || !sawRetry {
		t.Fatalf("missing maintenance audit events: ttl=%v retry=%v", sawTTL, sawRetry)
	}
}

func TestApplyDecayOnlyTouchesIdleStates(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "idle.py", 0.8)
	seedPending(t, store, "busy.py", 0.8)
	if err := store.Update(MapStatus, "busy.py", Fields{
		"status": StatusInProgress, "current_tick": 1,
	}, "transform"); err != nil {
		t.Fatalf("lock busy: %v", err)
	}

	if err := store.ApplyDecay(MapTasks); err != nil {
		t.Fatalf("apply decay: %v", err)
	}

	idle, _ := store.ReadOne(MapTasks, "idle.py")
	if Float(idle, "intensity") >= 0.8 {
		t.Fatalf("pending file did not decay: %v", Float(idle, "intensity"))
	}
	busy, _ := store.ReadOne(MapTasks, "busy.py")
	if Float(busy, "intensity") != 0.8 {
		t.Fatalf("working file decayed: %v", Float(busy, "intensity"))
	}
}

func TestApplyInhibitionDecay(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)
	for _, fields := range []Fields{
		{"status": StatusInProgress, "current_tick": 1},
		{"status": StatusFailed},
		{"status": StatusRetry, "retry_count": 1, "inhibition": 0.5},
	} {
		if err := store.Update(MapStatus, "a.py", fields, "transform"); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}

	if err := store.ApplyInhibitionDecay(); err != nil {
		t.Fatalf("inhibition decay: %v", err)
	}
	entry, _ := store.ReadOne(MapStatus, "a.py")
	got := Float(entry, "inhibition")
	if got >= 0.5 || got <= 0 {
		t.Fatalf("inhibition = %v, want decayed in (0, 0.5)", got)
	}
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)

	// Make the audit log unopenable so the next append fails.
	if err := os.Remove(store.AuditLogPath()); err != nil {
		t.Fatalf("remove audit log: %v", err)
	}
	if err := os.Mkdir(store.AuditLogPath(), 0o755); err != nil {
		t.Fatalf("block audit path: %v", err)
	}

	err := store.Update(MapStatus, "a.py", Fields{
		"status": StatusInProgress, "current_tick": 1,
	}, "transform")
	if err == nil {
		t.Fatal("expected audit append failure to surface")
	}

	// The map mutation must have been rolled back.
	entry, readErr := store.ReadOne(MapStatus, "a.py")
	if readErr != nil {
		t.Fatalf("read after rollback: %v", readErr)
	}
	if StatusOf(entry) != StatusPending {
		t.Fatalf("mutation survived audit failure: %q", StatusOf(entry))
	}
}

func TestCorruptedMapSurfacesStoreCorrupted(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(filepath.Join(store.dir, "tasks.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt map: %v", err)
	}
	_, err := store.ReadAll(MapTasks)
	if !errors.Is(err, ErrStoreCorrupted) {
		t.Fatalf("expected ErrStoreCorrupted, got %v", err)
	}
}

func TestResetClearsState(t *testing.T) {
	store := newTestStore(t)
	seedPending(t, store, "a.py", 0.5)
	if err := store.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	payload, err := store.ReadAll(MapTasks)
	if err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("tasks survived reset: %#v", payload)
	}
	_, total, _ := store.ReadAuditEvents()
	if total != 0 {
		t.Fatalf("audit log survived reset: %d events", total)
	}
}
