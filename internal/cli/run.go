package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/detect"
	"github.com/basket/go-colony/internal/llm"
	"github.com/basket/go-colony/internal/loop"
	"github.com/basket/go-colony/internal/metrics"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/roles"
	"github.com/basket/go-colony/internal/telemetry"
	"github.com/basket/go-colony/internal/testrun"
	"github.com/basket/go-colony/internal/vcs"
)

var runFlags struct {
	target         string
	configPath     string
	stateDir       string
	maxTicks       int
	maxTokensTotal int
	maxBudgetUSD   float64
	seed           int64
	dryRun         bool
	resume         bool
	verbose        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration loop against a working tree",
	RunE:  runMigration,
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runFlags.target, "target", "", "working tree under migration (required)")
	flags.StringVar(&runFlags.configPath, "config", "", "configuration file path")
	flags.StringVar(&runFlags.stateDir, "state-dir", ".", "directory holding pheromones, logs, and metrics")
	flags.IntVar(&runFlags.maxTicks, "max-ticks", 0, "override loop.max_ticks")
	flags.IntVar(&runFlags.maxTokensTotal, "max-tokens-total", 0, "override budgets.max_tokens_total")
	flags.Float64Var(&runFlags.maxBudgetUSD, "max-budget-usd", 0, "override budgets.max_budget_usd")
	flags.Int64Var(&runFlags.seed, "seed", 0, "seed for decision tiebreak reproducibility")
	flags.BoolVar(&runFlags.dryRun, "dry-run", false, "turn VCS commit/revert into no-ops")
	flags.BoolVar(&runFlags.resume, "resume", false, "initialize from existing store state")
	flags.BoolVar(&runFlags.verbose, "verbose", false, "enable debug logging")
	_ = runCmd.MarkFlagRequired("target")
}

func runMigration(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(runFlags.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg)

	logLevel := cfg.LogLevel
	if runFlags.verbose {
		logLevel = "debug"
	}
	logger, logCloser, err := telemetry.NewLogger(runFlags.stateDir, logLevel, false)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logCloser.Close()

	repoRoot, err := filepath.Abs(runFlags.target)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	if info, err := os.Stat(repoRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("target is not a directory: %s", repoRoot)
	}

	store, err := pheromone.NewStore(runFlags.stateDir, cfg, logger)
	if err != nil {
		return fmt.Errorf("open pheromone store: %w", err)
	}
	if !runFlags.resume {
		if err := store.Reset(); err != nil {
			return fmt.Errorf("reset pheromone store: %w", err)
		}
	}

	// Missing credentials are a fatal initialization error.
	client, err := llm.NewClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize llm effector: %w", err)
	}

	var effector vcs.Effector
	git := vcs.NewGit(repoRoot, logger)
	targetCommit := ""
	if runFlags.dryRun {
		effector = vcs.NewDryRun(logger)
	} else {
		effector = git
		if err := git.EnsureRepo(ctx); err != nil {
			return fmt.Errorf("prepare target repo: %w", err)
		}
	}
	if commit, err := git.HeadCommit(ctx); err == nil {
		targetCommit = commit
	}

	runID := buildRunID()
	if !runFlags.dryRun {
		if err := git.EnsureWorkBranch(ctx, cfg.Git.BranchPrefix, runID); err != nil {
			return fmt.Errorf("prepare work branch: %w", err)
		}
	}

	outputDir := cfg.Metrics.OutputDir
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(runFlags.stateDir, outputDir)
	}
	if err := metrics.EnsureOutputDir(outputDir); err != nil {
		return fmt.Errorf("prepare metrics output: %w", err)
	}

	manifest := metrics.Manifest{
		RunID:            runID,
		TimestampUTC:     pheromone.UTCTimestamp(),
		TargetRepoCommit: targetCommit,
		TargetRepoPath:   repoRoot,
		ConfigHash:       cfg.Hash(),
		PromptBundleHash: promptBundleHash(),
		ModelID:          client.Model(),
		Seed:             runFlags.seed,
		MaxTokensTotal:   cfg.Budgets.MaxTokensTotal,
		MaxBudgetUSD:     cfg.Budgets.MaxBudgetUSD,
		RuntimeVersion:   runtime.Version(),
	}
	manifestPath := filepath.Join(outputDir, "run_"+runID+"_manifest.json")
	if err := metrics.WriteManifestJSON(manifestPath, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	otelProvider, err := metrics.InitOtel(ctx, cfg.Metrics.OtelEnabled)
	if err != nil {
		return fmt.Errorf("initialize otel: %w", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	clock := loop.NewClock()
	runner := testrun.NewSubprocessRunner(repoRoot, cfg)
	activationOrder := []roles.Runner{
		roles.NewDiscover(store, cfg, detect.NewTextualDetector(), repoRoot, logger),
		roles.NewTransform(store, cfg, client, runner, repoRoot, clock.Tick, runFlags.seed, logger),
		roles.NewTest(store, cfg, runner, logger),
		roles.NewValidate(store, cfg, effector, runFlags.dryRun, logger),
	}

	collector := metrics.NewCollector(store)
	orchestrator := loop.New(store, cfg, clock, activationOrder, client, collector, otelProvider, logger)

	logger.Info("run starting", "run_id", runID, "target", repoRoot, "dry_run", runFlags.dryRun)
	stopReason, runErr := orchestrator.Run(ctx)
	if runErr != nil {
		// Run-scoped failure: flush what we have and surface the reason in
		// the summary; the audit log stays readable.
		logger.Error("run aborted", "run_id", runID, "error", runErr)
	}

	summary := collector.BuildSummary(runID, stopReason)
	summaryPath := filepath.Join(outputDir, "run_"+runID+"_summary.json")
	ticksPath := filepath.Join(outputDir, "run_"+runID+"_ticks.csv")
	if err := metrics.WriteSummaryJSON(summaryPath, summary); err != nil {
		logger.Error("summary flush failed", "error", err)
	}
	if err := metrics.WriteTicksCSV(ticksPath, collector.TickRows()); err != nil {
		logger.Error("ticks flush failed", "error", err)
	}

	logger.Info("run complete",
		"run_id", runID, "stop_reason", stopReason,
		"success_rate", summary.SuccessRate, "total_tokens", summary.TotalTokens)

	rendered, err := json.MarshalIndent(summary, "", "  ")
	if err == nil {
		fmt.Println(string(rendered))
	}
	return nil
}

func applyOverrides(cfg *config.Config) {
	if runFlags.maxTicks > 0 {
		cfg.Loop.MaxTicks = runFlags.maxTicks
	}
	if runFlags.maxTokensTotal > 0 {
		cfg.Budgets.MaxTokensTotal = runFlags.maxTokensTotal
	}
	if runFlags.maxBudgetUSD > 0 {
		cfg.Budgets.MaxBudgetUSD = runFlags.maxBudgetUSD
	}
}

// buildRunID is a UTC second timestamp plus a short random suffix so
// repeated runs within one second stay distinct.
func buildRunID() string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	return stamp + "-" + uuid.NewString()[:8]
}

// promptBundleHash fingerprints a fixed digest of the prompt wording for the
// manifest. The digest is hand-kept here, not read from the role templates,
// so edits to those templates do not change the hash.
func promptBundleHash() string {
	bundle := strings.Join([]string{
		"transform_system:You are a Python 2 to Python 3 migration expert. Convert the full file while preserving semantics.",
		"transform_user:Convert this Python 2 file to Python 3 and return only the complete converted Python 3 file.",
		"repair_user:Repair this Python file so it is syntactically valid Python 3.",
	}, "\n")
	sum := sha256.Sum256([]byte(bundle))
	return "sha256:" + hex.EncodeToString(sum[:])
}
