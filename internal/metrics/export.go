package metrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Manifest is the immutable run header written at run start.
type Manifest struct {
	RunID            string  `json:"run_id"`
	TimestampUTC     string  `json:"timestamp_utc"`
	TargetRepoCommit string  `json:"target_repo_commit"`
	TargetRepoPath   string  `json:"target_repo_path"`
	ConfigHash       string  `json:"config_hash"`
	PromptBundleHash string  `json:"prompt_bundle_hash"`
	ModelID          string  `json:"model_id"`
	Seed             int64   `json:"seed"`
	MaxTokensTotal   int     `json:"max_tokens_total"`
	MaxBudgetUSD     float64 `json:"max_budget_usd"`
	RuntimeVersion   string  `json:"runtime_version"`
}

// EnsureOutputDir creates the artifact directory if missing.
func EnsureOutputDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

var tickFieldNames = []string{
	"tick", "any_role_acted",
	"acted_discover", "acted_transform", "acted_test", "acted_validate",
	"files_total", "files_migrated", "files_validated", "files_failed",
	"files_needs_review", "files_skipped",
	"total_tokens", "total_cost_usd", "total_ticks", "tokens_per_file",
	"success_rate", "rollback_rate", "human_escalation_rate",
	"retry_resolution_rate", "starvation_count", "audit_completeness",
}

// WriteTicksCSV writes the per-tick timeseries.
func WriteTicksCSV(path string, rows []TickRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create ticks file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tickFieldNames); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.Tick),
			strconv.FormatBool(row.AnyRoleActed),
			strconv.FormatBool(row.ActedDiscover),
			strconv.FormatBool(row.ActedTransform),
			strconv.FormatBool(row.ActedTest),
			strconv.FormatBool(row.ActedValidate),
			strconv.Itoa(row.FilesTotal),
			strconv.Itoa(row.FilesMigrated),
			strconv.Itoa(row.FilesValidated),
			strconv.Itoa(row.FilesFailed),
			strconv.Itoa(row.FilesNeedsReview),
			strconv.Itoa(row.FilesSkipped),
			strconv.Itoa(row.TotalTokens),
			formatFloat(row.TotalCostUSD),
			strconv.Itoa(row.TotalTicks),
			formatFloat(row.TokensPerFile),
			formatFloat(row.SuccessRate),
			formatFloat(row.RollbackRate),
			formatFloat(row.HumanEscalationRate),
			formatFloat(row.RetryResolutionRate),
			strconv.Itoa(row.StarvationCount),
			formatFloat(row.AuditCompleteness),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteSummaryJSON writes the final aggregates.
func WriteSummaryJSON(path string, summary Summary) error {
	return writeJSON(path, summary)
}

// WriteManifestJSON writes the immutable run manifest.
func WriteManifestJSON(path string, manifest Manifest) error {
	return writeJSON(path, manifest)
}

func writeJSON(path string, payload any) error {
	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return os.WriteFile(path, append(serialized, '\n'), 0o644)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
