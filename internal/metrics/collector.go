// Package metrics aggregates per-tick and per-run observations and exports
// the run artifacts: one manifest, one tick timeseries, one summary.
package metrics

import (
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/roles"
)

// defaultStarvationThreshold is how many unchanged ticks a non-terminal file
// tolerates before it counts as starving.
const defaultStarvationThreshold = 12

// migratedStatuses have left pending at least once.
var migratedStatuses = map[string]bool{
	pheromone.StatusInProgress:  true,
	pheromone.StatusTransformed: true,
	pheromone.StatusTested:      true,
	pheromone.StatusValidated:   true,
	pheromone.StatusFailed:      true,
	pheromone.StatusNeedsReview: true,
	pheromone.StatusRetry:       true,
	pheromone.StatusSkipped:     true,
}

// TickRow is one line of the per-tick timeseries.
type TickRow struct {
	Tick                int     `json:"tick"`
	AnyRoleActed        bool    `json:"any_role_acted"`
	ActedDiscover       bool    `json:"acted_discover"`
	ActedTransform      bool    `json:"acted_transform"`
	ActedTest           bool    `json:"acted_test"`
	ActedValidate       bool    `json:"acted_validate"`
	FilesTotal          int     `json:"files_total"`
	FilesMigrated       int     `json:"files_migrated"`
	FilesValidated      int     `json:"files_validated"`
	FilesFailed         int     `json:"files_failed"`
	FilesNeedsReview    int     `json:"files_needs_review"`
	FilesSkipped        int     `json:"files_skipped"`
	TotalTokens         int     `json:"total_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	TotalTicks          int     `json:"total_ticks"`
	TokensPerFile       float64 `json:"tokens_per_file"`
	SuccessRate         float64 `json:"success_rate"`
	RollbackRate        float64 `json:"rollback_rate"`
	HumanEscalationRate float64 `json:"human_escalation_rate"`
	RetryResolutionRate float64 `json:"retry_resolution_rate"`
	StarvationCount     int     `json:"starvation_count"`
	AuditCompleteness   float64 `json:"audit_completeness"`
}

// Summary is the final aggregate artifact.
type Summary struct {
	RunID               string  `json:"run_id"`
	StopReason          string  `json:"stop_reason"`
	TotalTicks          int     `json:"total_ticks"`
	FilesTotal          int     `json:"files_total"`
	FilesValidated      int     `json:"files_validated"`
	FilesFailed         int     `json:"files_failed"`
	FilesNeedsReview    int     `json:"files_needs_review"`
	FilesSkipped        int     `json:"files_skipped"`
	TotalTokens         int     `json:"total_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	SuccessRate         float64 `json:"success_rate"`
	RollbackRate        float64 `json:"rollback_rate"`
	HumanEscalationRate float64 `json:"human_escalation_rate"`
	RetryResolutionRate float64 `json:"retry_resolution_rate"`
	StarvationCount     int     `json:"starvation_count"`
	AuditCompleteness   float64 `json:"audit_completeness"`
}

// Collector accumulates one run's tick rows and cross-tick tracking state.
type Collector struct {
	store               *pheromone.Store
	starvationThreshold int

	tickRows []TickRow

	previousStatuses   map[string]string
	idleTicksByFile    map[string]int
	filesWithRetry     map[string]bool
	resolvedRetryFiles map[string]bool
}

// NewCollector builds a collector observing one store.
func NewCollector(store *pheromone.Store) *Collector {
	return &Collector{
		store:               store,
		starvationThreshold: defaultStarvationThreshold,
		previousStatuses:    map[string]string{},
		idleTicksByFile:     map[string]int{},
		filesWithRetry:      map[string]bool{},
		resolvedRetryFiles:  map[string]bool{},
	}
}

// TickRows returns the accumulated timeseries.
func (c *Collector) TickRows() []TickRow { return c.tickRows }

// RecordTick folds one tick's state into the timeseries.
func (c *Collector) RecordTick(
	tick int,
	acted map[string]bool,
	statusEntries map[string]pheromone.Entry,
	totalTokens int,
	totalCostUSD float64,
) error {
	statuses := map[string]string{}
	for fileID, entry := range statusEntries {
		statuses[fileID] = pheromone.StatusOf(entry)
	}
	c.updateTracking(statuses)

	counts := map[string]int{}
	for _, status := range statuses {
		counts[status]++
	}

	filesTotal := len(statuses)
	filesMigrated := 0
	for status, n := range counts {
		if migratedStatuses[status] {
			filesMigrated += n
		}
	}
	filesValidated := counts[pheromone.StatusValidated]
	filesFailed := counts[pheromone.StatusFailed]
	filesNeedsReview := counts[pheromone.StatusNeedsReview]
	filesSkipped := counts[pheromone.StatusSkipped]

	terminalOrFailed := filesValidated + filesSkipped + filesNeedsReview + filesFailed
	tokensPerFile := 0.0
	if terminalOrFailed > 0 {
		tokensPerFile = float64(totalTokens) / float64(terminalOrFailed)
	}
	successRate := 0.0
	humanEscalationRate := 0.0
	if filesTotal > 0 {
		successRate = float64(filesValidated) / float64(filesTotal)
		humanEscalationRate = float64(filesNeedsReview) / float64(filesTotal)
	}
	rollbackRate := 0.0
	if filesValidated+filesFailed > 0 {
		rollbackRate = float64(filesFailed) / float64(filesValidated+filesFailed)
	}
	retryResolutionRate := 0.0
	if len(c.filesWithRetry) > 0 {
		retryResolutionRate = float64(len(c.resolvedRetryFiles)) / float64(len(c.filesWithRetry))
	}

	starvationCount := 0
	for fileID, idleTicks := range c.idleTicksByFile {
		status, ok := statuses[fileID]
		if !ok {
			status = pheromone.StatusPending
		}
		if idleTicks > c.starvationThreshold && !pheromone.LoopTerminalStatuses[status] {
			starvationCount++
		}
	}

	completeness, err := c.auditCompleteness()
	if err != nil {
		return err
	}

	c.tickRows = append(c.tickRows, TickRow{
		Tick:                tick,
		AnyRoleActed:        acted[roles.RoleDiscover] || acted[roles.RoleTransform] || acted[roles.RoleTest] || acted[roles.RoleValidate],
		ActedDiscover:       acted[roles.RoleDiscover],
		ActedTransform:      acted[roles.RoleTransform],
		ActedTest:           acted[roles.RoleTest],
		ActedValidate:       acted[roles.RoleValidate],
		FilesTotal:          filesTotal,
		FilesMigrated:       filesMigrated,
		FilesValidated:      filesValidated,
		FilesFailed:         filesFailed,
		FilesNeedsReview:    filesNeedsReview,
		FilesSkipped:        filesSkipped,
		TotalTokens:         totalTokens,
		TotalCostUSD:        totalCostUSD,
		TotalTicks:          tick,
		TokensPerFile:       tokensPerFile,
		SuccessRate:         successRate,
		RollbackRate:        rollbackRate,
		HumanEscalationRate: humanEscalationRate,
		RetryResolutionRate: retryResolutionRate,
		StarvationCount:     starvationCount,
		AuditCompleteness:   completeness,
	})
	return nil
}

// BuildSummary produces the final aggregates from the last recorded tick.
func (c *Collector) BuildSummary(runID, stopReason string) Summary {
	if len(c.tickRows) == 0 {
		return Summary{RunID: runID, StopReason: stopReason, AuditCompleteness: 1.0}
	}
	last := c.tickRows[len(c.tickRows)-1]
	return Summary{
		RunID:               runID,
		StopReason:          stopReason,
		TotalTicks:          last.TotalTicks,
		FilesTotal:          last.FilesTotal,
		FilesValidated:      last.FilesValidated,
		FilesFailed:         last.FilesFailed,
		FilesNeedsReview:    last.FilesNeedsReview,
		FilesSkipped:        last.FilesSkipped,
		TotalTokens:         last.TotalTokens,
		TotalCostUSD:        last.TotalCostUSD,
		SuccessRate:         last.SuccessRate,
		RollbackRate:        last.RollbackRate,
		HumanEscalationRate: last.HumanEscalationRate,
		RetryResolutionRate: last.RetryResolutionRate,
		StarvationCount:     last.StarvationCount,
		AuditCompleteness:   last.AuditCompleteness,
	}
}

func (c *Collector) updateTracking(current map[string]string) {
	for fileID, status := range current {
		previous, known := c.previousStatuses[fileID]
		if known && previous == status {
			c.idleTicksByFile[fileID]++
		} else {
			c.idleTicksByFile[fileID] = 0
		}

		if status == pheromone.StatusRetry && previous != pheromone.StatusRetry {
			c.filesWithRetry[fileID] = true
		}
		if status == pheromone.StatusValidated && c.filesWithRetry[fileID] {
			c.resolvedRetryFiles[fileID] = true
		}
		c.previousStatuses[fileID] = status
	}
	for fileID := range c.previousStatuses {
		if _, still := current[fileID]; !still {
			delete(c.previousStatuses, fileID)
			delete(c.idleTicksByFile, fileID)
		}
	}
}

// auditCompleteness is the ratio of journal events carrying full before/after
// values to total journal lines. Anything below 1.0 is a write-path bug.
func (c *Collector) auditCompleteness() (float64, error) {
	events, total, err := c.store.ReadAuditEvents()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 1.0, nil
	}
	complete := 0
	for _, event := range events {
		if event.Timestamp == "" || event.Role == "" || event.MapName == "" ||
			event.FileID == "" || event.Operation == "" {
			continue
		}
		if event.FieldsChanged == nil || event.PreviousValues == nil {
			continue
		}
		complete++
	}
	return float64(complete) / float64(total), nil
}
