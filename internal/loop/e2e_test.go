package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/detect"
	"github.com/basket/go-colony/internal/llm"
	"github.com/basket/go-colony/internal/metrics"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/roles"
	"github.com/basket/go-colony/internal/testrun"
)

// Scripted effectors for full-pipeline runs without network or subprocesses.

type scriptedLLM struct {
	content      string
	tokensPerGen int
	maxTokens    int
	tokens       int
	cost         float64
}

func (s *scriptedLLM) Generate(_ context.Context, _, _ string) (llm.Response, error) {
	s.tokens += s.tokensPerGen
	return llm.Response{Content: s.content, TokensUsed: s.tokensPerGen, LatencyMS: 1}, nil
}

func (s *scriptedLLM) BudgetAllows(_, _ string) bool {
	return s.tokens+s.tokensPerGen <= s.maxTokens
}

func (s *scriptedLLM) TotalTokensUsed() int  { return s.tokens }
func (s *scriptedLLM) TotalCostUSD() float64 { return s.cost }

type okChecker struct{}

func (okChecker) CompileCheck(_ context.Context, _ string) (string, bool) { return "", true }

type scriptedRunner struct {
	outcomes []testrun.Outcome
	calls    int
}

func (r *scriptedRunner) Run(_ context.Context, _ string) (testrun.Outcome, error) {
	outcome := r.outcomes[0]
	if len(r.outcomes) > 1 {
		r.outcomes = r.outcomes[1:]
	}
	r.calls++
	return outcome, nil
}

type recordingVCS struct {
	commits []string
	reverts []string
}

func (v *recordingVCS) Commit(_ context.Context, fileID, _ string) error {
	v.commits = append(v.commits, fileID)
	return nil
}

func (v *recordingVCS) Revert(_ context.Context, fileID string) error {
	v.reverts = append(v.reverts, fileID)
	return nil
}

func passOutcome(passed, total int) testrun.Outcome {
	classification := pheromone.ClassifyPass
	if passed < total {
		classification = pheromone.ClassifyFailRelated
	}
	return testrun.Outcome{
		TestsTotal:     total,
		TestsPassed:    passed,
		TestsFailed:    total - passed,
		Classification: classification,
		Confidence:     float64(passed) / float64(total),
		TestMode:       "pytest",
	}
}

type pipelineFixture struct {
	store        *pheromone.Store
	orchestrator *Orchestrator
	collector    *metrics.Collector
	effector     *recordingVCS
	client       *scriptedLLM
	repo         string
}

func newPipeline(t *testing.T, cfg *config.Config, client *scriptedLLM, runner testrun.Runner, files map[string]string) *pipelineFixture {
	t.Helper()
	store, err := pheromone.NewStore(t.TempDir(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	repo := t.TempDir()
	for fileID, content := range files {
		path := filepath.Join(repo, filepath.FromSlash(fileID))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	effector := &recordingVCS{}
	clock := NewClock()
	activationOrder := []roles.Runner{
		roles.NewDiscover(store, cfg, detect.NewTextualDetector(), repo, quietLogger()),
		roles.NewTransform(store, cfg, client, okChecker{}, repo, clock.Tick, 7, quietLogger()),
		roles.NewTest(store, cfg, runner, quietLogger()),
		roles.NewValidate(store, cfg, effector, false, quietLogger()),
	}
	collector := metrics.NewCollector(store)
	orchestrator := New(store, cfg, clock, activationOrder, client, collector, nil, quietLogger())
	return &pipelineFixture{
		store: store, orchestrator: orchestrator, collector: collector,
		effector: effector, client: client, repo: repo,
	}
}

// Single clean file: pending -> in_progress -> transformed -> tested ->
// validated, one commit, full success rate.
func TestPipelineSingleCleanFile(t *testing.T) {
	cfg := config.Default()
	client := &scriptedLLM{content: "print('migrated')", tokensPerGen: 100, maxTokens: cfg.Budgets.MaxTokensTotal}
	runner := &scriptedRunner{outcomes: []testrun.Outcome{passOutcome(1, 1)}}
	fixture := newPipeline(t, cfg, client, runner, map[string]string{
		"a.py": "print 'legacy'\n",
	})

	stopReason, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stopReason != StopAllTerminal {
		t.Fatalf("stop reason = %q, want all_terminal", stopReason)
	}

	entry, _ := fixture.store.ReadOne(pheromone.MapStatus, "a.py")
	if pheromone.StatusOf(entry) != pheromone.StatusValidated {
		t.Fatalf("final status = %q", pheromone.StatusOf(entry))
	}
	if pheromone.Int(entry, "retry_count") != 0 {
		t.Fatalf("retry_count = %d, want 0", pheromone.Int(entry, "retry_count"))
	}
	if len(fixture.effector.commits) != 1 {
		t.Fatalf("commits = %v, want one", fixture.effector.commits)
	}

	summary := fixture.collector.BuildSummary("test", stopReason)
	if summary.SuccessRate != 1.0 {
		t.Fatalf("success_rate = %v, want 1.0", summary.SuccessRate)
	}
	if summary.TotalTokens != 100 {
		t.Fatalf("total_tokens = %d, want 100", summary.TotalTokens)
	}
	// Confidence reinforced from 1.0 and clamped to 1.0.
	quality, _ := fixture.store.ReadOne(pheromone.MapQuality, "a.py")
	if got := pheromone.Float(quality, "confidence"); got != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", got)
	}
	if summary.AuditCompleteness != 1.0 {
		t.Fatalf("audit_completeness = %v, want 1.0", summary.AuditCompleteness)
	}
}

// Needs-review path: 3/4 tests pass, confidence 0.75 falls between the
// cutoffs; no VCS action, loop terminates via all_terminal.
func TestPipelineNeedsReview(t *testing.T) {
	cfg := config.Default()
	client := &scriptedLLM{content: "print('migrated')", tokensPerGen: 50, maxTokens: cfg.Budgets.MaxTokensTotal}
	runner := &scriptedRunner{outcomes: []testrun.Outcome{passOutcome(3, 4)}}
	fixture := newPipeline(t, cfg, client, runner, map[string]string{
		"f.py": "print 'legacy'\n",
	})

	stopReason, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stopReason != StopAllTerminal {
		t.Fatalf("stop reason = %q, want all_terminal (needs_review is loop-terminal)", stopReason)
	}
	if got := pheromone.StatusOf(mustRead(t, fixture.store, "f.py")); got != pheromone.StatusNeedsReview {
		t.Fatalf("final status = %q", got)
	}
	if len(fixture.effector.commits) != 0 || len(fixture.effector.reverts) != 0 {
		t.Fatalf("VCS touched on needs_review: %v %v", fixture.effector.commits, fixture.effector.reverts)
	}
	summary := fixture.collector.BuildSummary("test", stopReason)
	if summary.HumanEscalationRate != 1.0 {
		t.Fatalf("human_escalation_rate = %v, want 1.0", summary.HumanEscalationRate)
	}
	if summary.SuccessRate != 0.0 {
		t.Fatalf("success_rate = %v, want 0", summary.SuccessRate)
	}
}

// Rollback path: failing tests evaporate confidence below the low cutoff,
// the file reverts and queues for retry with inhibition attached.
func TestPipelineRollbackThenRetryQueued(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.MaxTicks = 2
	cfg.Loop.IdleCyclesToStop = 50
	client := &scriptedLLM{content: "print('migrated')", tokensPerGen: 50, maxTokens: cfg.Budgets.MaxTokensTotal}
	runner := &scriptedRunner{outcomes: []testrun.Outcome{passOutcome(0, 2)}}
	fixture := newPipeline(t, cfg, client, runner, map[string]string{
		"b.py": "print 'legacy'\n",
	})

	stopReason, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stopReason != StopMaxTicks {
		t.Fatalf("stop reason = %q", stopReason)
	}

	entry := mustRead(t, fixture.store, "b.py")
	// Tick 1 walked b.py to retry; tick 2's maintenance promoted it back to
	// pending, where inhibition keeps Transform away.
	if got := pheromone.StatusOf(entry); got != pheromone.StatusPending {
		t.Fatalf("status = %q, want pending after retry promotion", got)
	}
	if pheromone.Int(entry, "retry_count") != 1 {
		t.Fatalf("retry_count = %d, want 1", pheromone.Int(entry, "retry_count"))
	}
	inhibition := pheromone.Float(entry, "inhibition")
	if inhibition <= 0.4 || inhibition > 0.5 {
		t.Fatalf("inhibition = %v, want 0.5 modulo one decay step", inhibition)
	}
	if len(fixture.effector.reverts) != 1 {
		t.Fatalf("reverts = %v, want one", fixture.effector.reverts)
	}
}

// Budget exhaustion: three files at 150 tokens each under a 300-token cap.
// Two transform; the third stays pending and the run stops on budget.
func TestPipelineBudgetExhaustion(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.MaxTokensTotal = 300
	client := &scriptedLLM{content: "print('migrated')", tokensPerGen: 150, maxTokens: 300}
	runner := &scriptedRunner{outcomes: []testrun.Outcome{passOutcome(1, 1)}}
	fixture := newPipeline(t, cfg, client, runner, map[string]string{
		"a.py": "print 'one'\n",
		"b.py": "print 'two'\n",
		"c.py": "print 'three'\n",
	})

	stopReason, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stopReason != StopBudgetExhausted {
		t.Fatalf("stop reason = %q, want budget_exhausted", stopReason)
	}
	if fixture.client.tokens != 300 {
		t.Fatalf("tokens = %d, want exactly 300", fixture.client.tokens)
	}

	pendingCount := 0
	statuses, _ := fixture.store.ReadAll(pheromone.MapStatus)
	for _, entry := range statuses {
		if pheromone.StatusOf(entry) == pheromone.StatusPending {
			pendingCount++
		}
	}
	if pendingCount != 1 {
		t.Fatalf("pending files = %d, want the one blocked by budget", pendingCount)
	}
}

func mustRead(t *testing.T, store *pheromone.Store, fileID string) pheromone.Entry {
	t.Helper()
	entry, err := store.ReadOne(pheromone.MapStatus, fileID)
	if err != nil {
		t.Fatalf("read %s: %v", fileID, err)
	}
	return entry
}
