package metrics

import (
	"io"
	"log/slog"
	"testing"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/roles"
)

func newMetricsStore(t *testing.T) *pheromone.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := pheromone.NewStore(t.TempDir(), config.Default(), logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func statusEntries(pairs map[string]string) map[string]pheromone.Entry {
	entries := map[string]pheromone.Entry{}
	for fileID, status := range pairs {
		entries[fileID] = pheromone.Entry{"status": status}
	}
	return entries
}

func TestRecordTickCounts(t *testing.T) {
	collector := NewCollector(newMetricsStore(t))
	entries := statusEntries(map[string]string{
		"a.py": pheromone.StatusValidated,
		"b.py": pheromone.StatusFailed,
		"c.py": pheromone.StatusNeedsReview,
		"d.py": pheromone.StatusPending,
		"e.py": pheromone.StatusSkipped,
	})
	acted := map[string]bool{roles.RoleTransform: true}

	if err := collector.RecordTick(1, acted, entries, 500, 0.25); err != nil {
		t.Fatalf("record tick: %v", err)
	}

	row := collector.TickRows()[0]
	if row.FilesTotal != 5 {
		t.Fatalf("files_total = %d", row.FilesTotal)
	}
	if row.FilesValidated != 1 || row.FilesFailed != 1 || row.FilesNeedsReview != 1 || row.FilesSkipped != 1 {
		t.Fatalf("status counts wrong: %+v", row)
	}
	if !row.AnyRoleActed || !row.ActedTransform || row.ActedDiscover {
		t.Fatalf("acted flags wrong: %+v", row)
	}
	if row.SuccessRate != 0.2 {
		t.Fatalf("success_rate = %v, want 1/5", row.SuccessRate)
	}
	if row.RollbackRate != 0.5 {
		t.Fatalf("rollback_rate = %v, want 1/(1+1)", row.RollbackRate)
	}
	if row.HumanEscalationRate != 0.2 {
		t.Fatalf("human_escalation_rate = %v, want 1/5", row.HumanEscalationRate)
	}
	if row.TotalTokens != 500 || row.TotalCostUSD != 0.25 {
		t.Fatalf("budget columns wrong: %+v", row)
	}
}

func TestRetryResolutionTracking(t *testing.T) {
	collector := NewCollector(newMetricsStore(t))

	// Two files enter retry; one later validates.
	tick1 := statusEntries(map[string]string{
		"a.py": pheromone.StatusRetry,
		"b.py": pheromone.StatusRetry,
	})
	tick2 := statusEntries(map[string]string{
		"a.py": pheromone.StatusValidated,
		"b.py": pheromone.StatusPending,
	})
	if err := collector.RecordTick(1, nil, tick1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := collector.RecordTick(2, nil, tick2, 0, 0); err != nil {
		t.Fatal(err)
	}

	row := collector.TickRows()[1]
	if row.RetryResolutionRate != 0.5 {
		t.Fatalf("retry_resolution_rate = %v, want 0.5", row.RetryResolutionRate)
	}
}

func TestStarvationCount(t *testing.T) {
	collector := NewCollector(newMetricsStore(t))
	collector.starvationThreshold = 2

	entries := statusEntries(map[string]string{"stuck.py": pheromone.StatusPending})
	for tick := 1; tick <= 5; tick++ {
		if err := collector.RecordTick(tick, nil, entries, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	rows := collector.TickRows()
	if rows[1].StarvationCount != 0 {
		t.Fatalf("starved too early: %+v", rows[1])
	}
	if rows[4].StarvationCount != 1 {
		t.Fatalf("starvation not detected: %+v", rows[4])
	}
}

func TestAuditCompletenessFullJournal(t *testing.T) {
	store := newMetricsStore(t)
	collector := NewCollector(store)

	// Real store writes always carry full before/after values.
	if err := store.Write(pheromone.MapStatus, "a.py", pheromone.Entry{
		"status": pheromone.StatusPending, "retry_count": 0, "inhibition": 0.0,
	}, roles.RoleDiscover); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(pheromone.MapStatus, "a.py", pheromone.Fields{
		"status": pheromone.StatusInProgress, "current_tick": 1,
	}, roles.RoleTransform); err != nil {
		t.Fatal(err)
	}

	entries, _ := store.ReadAll(pheromone.MapStatus)
	if err := collector.RecordTick(1, nil, entries, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got := collector.TickRows()[0].AuditCompleteness; got != 1.0 {
		t.Fatalf("audit_completeness = %v, want 1.0", got)
	}
}

func TestBuildSummaryEmptyRun(t *testing.T) {
	collector := NewCollector(newMetricsStore(t))
	summary := collector.BuildSummary("r1", "idle_cycles")
	if summary.StopReason != "idle_cycles" || summary.RunID != "r1" {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.AuditCompleteness != 1.0 {
		t.Fatalf("empty run audit_completeness = %v, want 1.0", summary.AuditCompleteness)
	}
}

func TestBuildSummaryUsesLastTick(t *testing.T) {
	collector := NewCollector(newMetricsStore(t))
	first := statusEntries(map[string]string{"a.py": pheromone.StatusPending})
	last := statusEntries(map[string]string{"a.py": pheromone.StatusValidated})
	if err := collector.RecordTick(1, nil, first, 100, 0.1); err != nil {
		t.Fatal(err)
	}
	if err := collector.RecordTick(2, nil, last, 250, 0.2); err != nil {
		t.Fatal(err)
	}

	summary := collector.BuildSummary("r1", "all_terminal")
	if summary.TotalTicks != 2 || summary.TotalTokens != 250 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.FilesValidated != 1 || summary.SuccessRate != 1.0 {
		t.Fatalf("summary = %+v", summary)
	}
}
