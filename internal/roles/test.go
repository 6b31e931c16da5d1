package roles

import (
	"context"
	"log/slog"
	"sort"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/testrun"
)

type testPerception struct {
	candidates    []string
	statusEntries map[string]pheromone.Entry
}

type testAction struct {
	fileID string
	status pheromone.Entry
}

type testResult struct {
	fileID     string
	outcome    testrun.Outcome
	retryCount int
	inhibition float64
}

type testRole struct {
	store  *pheromone.Store
	cfg    *config.Config
	runner testrun.Runner
	logger *slog.Logger
}

// NewTest builds the Test role: it runs checks for one transformed file per
// tick, deposits the quality pheromone, and moves the file to tested.
func NewTest(store *pheromone.Store, cfg *config.Config, runner testrun.Runner, logger *slog.Logger) Runner {
	r := &testRole{store: store, cfg: cfg, runner: runner, logger: logger}
	return &Steps[testPerception, testAction, testResult]{
		RoleName:  RoleTest,
		Logger:    logger,
		Perceive:  r.perceive,
		ShouldAct: func(p testPerception) bool { return len(p.candidates) > 0 },
		Decide:    r.decide,
		Execute:   r.execute,
		Deposit:   r.deposit,
	}
}

func (r *testRole) perceive(_ context.Context) (testPerception, error) {
	entries, err := r.store.Query(pheromone.MapStatus,
		pheromone.Eq("status", pheromone.StatusTransformed))
	if err != nil {
		return testPerception{}, err
	}
	candidates := make([]string, 0, len(entries))
	for fileID := range entries {
		candidates = append(candidates, fileID)
	}
	// Order is irrelevant; stable tie-break by file id.
	sort.Strings(candidates)
	return testPerception{candidates: candidates, statusEntries: entries}, nil
}

func (r *testRole) decide(_ context.Context, p testPerception) (testAction, error) {
	fileID := p.candidates[0]
	return testAction{fileID: fileID, status: p.statusEntries[fileID]}, nil
}

func (r *testRole) execute(ctx context.Context, action testAction) (testResult, error) {
	outcome, err := r.runner.Run(ctx, action.fileID)
	if err != nil {
		// A crashed test subprocess still classifies the file.
		outcome = testrun.Outcome{
			TestsTotal: 1, TestsFailed: 1,
			Issues:         []string{"test runner crashed: " + err.Error()},
			Classification: pheromone.ClassifyCompileFail,
			Confidence:     r.cfg.Tester.FallbackQuality.CompileImportFail,
			TestMode:       "crash",
		}
	}
	return testResult{
		fileID:     action.fileID,
		outcome:    outcome,
		retryCount: pheromone.Int(action.status, "retry_count"),
		inhibition: pheromone.Float(action.status, "inhibition"),
	}, nil
}

func (r *testRole) deposit(_ context.Context, result testResult) error {
	// Status before quality, per the store's multi-map ordering contract.
	if err := r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
		"status":          pheromone.StatusTested,
		"previous_status": pheromone.StatusTransformed,
		"retry_count":     result.retryCount,
		"inhibition":      result.inhibition,
		"metadata": map[string]any{
			"tests_total":  result.outcome.TestsTotal,
			"tests_failed": result.outcome.TestsFailed,
			"coverage":     result.outcome.Coverage,
			"test_mode":    result.outcome.TestMode,
		},
	}, RoleTest); err != nil {
		return err
	}

	issues := result.outcome.Issues
	if issues == nil {
		issues = []string{}
	}
	return r.store.Write(pheromone.MapQuality, result.fileID, pheromone.Entry{
		"confidence":     result.outcome.Confidence,
		"tests_total":    result.outcome.TestsTotal,
		"tests_passed":   result.outcome.TestsPassed,
		"tests_failed":   result.outcome.TestsFailed,
		"coverage":       result.outcome.Coverage,
		"issues":         issues,
		"classification": result.outcome.Classification,
		"metadata": map[string]any{
			"test_mode": result.outcome.TestMode,
			"test_file": result.outcome.TestFile,
		},
	}, RoleTest)
}
