package roles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/vcs"
)

type validatePerception struct {
	candidates    []string
	statusEntries map[string]pheromone.Entry
}

type validateAction struct {
	fileID  string
	status  pheromone.Entry
	quality pheromone.Entry
}

type validateResult struct {
	fileID            string
	success           bool
	errorMessage      string
	decision          string
	finalStatus       string
	updatedConfidence float64
	retryCount        int
	inhibition        float64
}

type validateRole struct {
	store    *pheromone.Store
	cfg      *config.Config
	effector vcs.Effector
	dryRun   bool
	logger   *slog.Logger
}

// NewValidate builds the Validate role: it decides the fate of tested files
// by confidence band, drives the VCS effector, and applies reinforcement or
// evaporation to the quality pheromone.
func NewValidate(store *pheromone.Store, cfg *config.Config, effector vcs.Effector, dryRun bool, logger *slog.Logger) Runner {
	r := &validateRole{store: store, cfg: cfg, effector: effector, dryRun: dryRun, logger: logger}
	return &Steps[validatePerception, validateAction, validateResult]{
		RoleName:  RoleValidate,
		Logger:    logger,
		Perceive:  r.perceive,
		ShouldAct: func(p validatePerception) bool { return len(p.candidates) > 0 },
		Decide:    r.decide,
		Execute:   r.execute,
		Deposit:   r.deposit,
	}
}

func (r *validateRole) perceive(_ context.Context) (validatePerception, error) {
	entries, err := r.store.Query(pheromone.MapStatus,
		pheromone.Eq("status", pheromone.StatusTested))
	if err != nil {
		return validatePerception{}, err
	}
	candidates := make([]string, 0, len(entries))
	for fileID := range entries {
		candidates = append(candidates, fileID)
	}
	sort.Strings(candidates)
	return validatePerception{candidates: candidates, statusEntries: entries}, nil
}

func (r *validateRole) decide(_ context.Context, p validatePerception) (validateAction, error) {
	fileID := p.candidates[0]
	qualityEntry, err := r.store.ReadOne(pheromone.MapQuality, fileID)
	if err != nil {
		return validateAction{}, err
	}
	return validateAction{
		fileID:  fileID,
		status:  p.statusEntries[fileID],
		quality: qualityEntry,
	}, nil
}

func (r *validateRole) execute(ctx context.Context, action validateAction) (validateResult, error) {
	confidence := pheromone.Float(action.quality, "confidence")
	high := r.cfg.Thresholds.ValidatorConfidenceHigh
	low := r.cfg.Thresholds.ValidatorConfidenceLow
	maxRetry := r.cfg.Thresholds.MaxRetryCount

	result := validateResult{
		fileID:     action.fileID,
		retryCount: pheromone.Int(action.status, "retry_count"),
		inhibition: pheromone.Float(action.status, "inhibition"),
	}

	switch {
	case confidence >= high:
		// Reinforcement on commit.
		result.updatedConfidence = min(1.0, confidence+0.1)
		message := fmt.Sprintf("Migrate %s (confidence=%.2f)", action.fileID, result.updatedConfidence)
		if err := r.effector.Commit(ctx, action.fileID, message); err != nil {
			result.errorMessage = err.Error()
			return result, nil
		}
		result.success = true
		result.decision = "auto_validate"
		result.finalStatus = pheromone.StatusValidated

	case confidence >= low:
		// Pause for an external decision; no VCS action.
		result.success = true
		result.decision = "human_escalation"
		result.finalStatus = pheromone.StatusNeedsReview
		result.updatedConfidence = confidence

	default:
		// Evaporation on rollback.
		result.updatedConfidence = max(0.0, confidence-0.2)
		if err := r.effector.Revert(ctx, action.fileID); err != nil {
			result.errorMessage = err.Error()
			return result, nil
		}
		result.success = true
		result.decision = "rollback"
		result.retryCount++
		if result.retryCount <= maxRetry {
			result.finalStatus = pheromone.StatusRetry
			result.inhibition += 0.5
		} else {
			result.finalStatus = pheromone.StatusSkipped
		}
	}
	return result, nil
}

func (r *validateRole) deposit(_ context.Context, result validateResult) error {
	if !result.success {
		// VCS conflict or other effector failure: the file fails, the retry
		// counter advances, and the issue is recorded.
		return r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
			"status":          pheromone.StatusFailed,
			"previous_status": pheromone.StatusTested,
			"retry_count":     result.retryCount + 1,
			"inhibition":      result.inhibition,
			"metadata":        map[string]any{"error": result.errorMessage},
		}, RoleValidate)
	}

	metadata := map[string]any{"decision": result.decision, "dry_run": r.dryRun}

	switch result.finalStatus {
	case pheromone.StatusRetry, pheromone.StatusSkipped:
		// Rollback lands in failed first, then retry (or skipped past the
		// retry ceiling) on the same invocation.
		if err := r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
			"status":          pheromone.StatusFailed,
			"previous_status": pheromone.StatusTested,
			"metadata":        metadata,
		}, RoleValidate); err != nil {
			return err
		}
		if err := r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
			"status":          result.finalStatus,
			"previous_status": pheromone.StatusFailed,
			"retry_count":     result.retryCount,
			"inhibition":      result.inhibition,
			"metadata":        metadata,
		}, RoleValidate); err != nil {
			return err
		}
	default:
		if err := r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
			"status":          result.finalStatus,
			"previous_status": pheromone.StatusTested,
			"retry_count":     result.retryCount,
			"inhibition":      result.inhibition,
			"metadata":        metadata,
		}, RoleValidate); err != nil {
			return err
		}
	}

	return r.store.Update(pheromone.MapQuality, result.fileID, pheromone.Fields{
		"confidence": result.updatedConfidence,
	}, RoleValidate)
}
