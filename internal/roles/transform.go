package roles

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/llm"
	"github.com/basket/go-colony/internal/pheromone"
)

const transformSystemPrompt = "You are a Python 2 to Python 3 migration expert. " +
	"Convert the full file while preserving semantics."

// Generator is the language-model effector surface Transform consumes.
type Generator interface {
	Generate(ctx context.Context, prompt, system string) (llm.Response, error)
	BudgetAllows(prompt, system string) bool
}

// CompileChecker is the structural gate run on every transformed file.
type CompileChecker interface {
	CompileCheck(ctx context.Context, fileID string) (issue string, ok bool)
}

type transformCandidate struct {
	fileID     string
	intensity  float64
	inhibition float64
	priority   float64
	status     pheromone.Entry
	task       pheromone.Entry
}

type transformPerception struct {
	candidates []transformCandidate
}

type transformAction struct {
	fileID        string
	sourceContent string
	patterns      []string
	prompt        string
	status        pheromone.Entry
	largeFileMode bool
}

type transformResult struct {
	fileID         string
	success        bool
	retryable      bool
	errorMessage   string
	tokensUsed     int
	latencyMS      int
	diffLines      int
	patterns       []string
	repairAttempts int
	retryCount     int
	inhibition     float64
	largeFileMode  bool
}

type transformRole struct {
	store     *pheromone.Store
	cfg       *config.Config
	generator Generator
	checker   CompileChecker
	repoRoot  string
	logger    *slog.Logger
	tick      func() int
	rng       *rand.Rand
	idleTicks map[string]int
}

// NewTransform builds the Transform role: it selects the highest-priority
// pending file, rewrites it through the language-model effector behind a
// syntax gate, and moves it to transformed (or failed / retry).
func NewTransform(
	store *pheromone.Store, cfg *config.Config, generator Generator,
	checker CompileChecker, repoRoot string, tick func() int, seed int64,
	logger *slog.Logger,
) Runner {
	r := &transformRole{
		store:     store,
		cfg:       cfg,
		generator: generator,
		checker:   checker,
		repoRoot:  repoRoot,
		logger:    logger,
		tick:      tick,
		rng:       rand.New(rand.NewSource(seed)),
		idleTicks: map[string]int{},
	}
	return &Steps[transformPerception, transformAction, transformResult]{
		RoleName:  RoleTransform,
		Logger:    logger,
		Perceive:  r.perceive,
		ShouldAct: func(p transformPerception) bool { return len(p.candidates) > 0 },
		Decide:    r.decide,
		Execute:   r.execute,
		Deposit:   r.deposit,
	}
}

// perceive partitions pending files into preferred (above the intensity
// floor) and fallback (below it, kept eligible so aging can rescue them).
// Inhibited files are not candidates at all until gamma decays below the
// resume threshold.
func (r *transformRole) perceive(_ context.Context) (transformPerception, error) {
	statusEntries, err := r.store.Query(pheromone.MapStatus,
		pheromone.In("status", pheromone.StatusPending))
	if err != nil {
		return transformPerception{}, err
	}

	intensityMin := r.cfg.Thresholds.TransformerIntensityMin
	inhibitionThreshold := r.cfg.Pheromones.InhibitionThreshold

	seen := map[string]bool{}
	var preferred, fallback []transformCandidate
	for fileID, statusEntry := range statusEntries {
		seen[fileID] = true
		r.idleTicks[fileID]++

		taskEntry, err := r.store.ReadOne(pheromone.MapTasks, fileID)
		if err != nil {
			return transformPerception{}, err
		}
		if taskEntry == nil {
			continue
		}

		candidate := transformCandidate{
			fileID:     fileID,
			intensity:  pheromone.Float(taskEntry, "intensity"),
			inhibition: pheromone.Float(statusEntry, "inhibition"),
			status:     statusEntry,
			task:       taskEntry,
		}
		candidate.priority = candidate.intensity + r.agingBoost(fileID) -
			candidate.inhibition + r.rng.Float64()*1e-6

		switch {
		case candidate.inhibition >= inhibitionThreshold:
			// Anti-oscillation: sit out until gamma decays.
		case candidate.intensity >= intensityMin:
			preferred = append(preferred, candidate)
		default:
			fallback = append(fallback, candidate)
		}
	}
	for fileID := range r.idleTicks {
		if !seen[fileID] {
			delete(r.idleTicks, fileID)
		}
	}

	byPriority := func(candidates []transformCandidate) {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].priority != candidates[j].priority {
				return candidates[i].priority > candidates[j].priority
			}
			return candidates[i].fileID < candidates[j].fileID
		})
	}
	byPriority(preferred)
	byPriority(fallback)

	if len(preferred) > 0 {
		return transformPerception{candidates: preferred}, nil
	}
	return transformPerception{candidates: fallback}, nil
}

// agingBoost prevents starvation of mid-priority files.
func (r *transformRole) agingBoost(fileID string) float64 {
	boost := r.cfg.Transformer.Aging.BoostPerTick * float64(r.idleTicks[fileID])
	if boost > r.cfg.Transformer.Aging.BoostCap {
		return r.cfg.Transformer.Aging.BoostCap
	}
	return boost
}

func (r *transformRole) decide(_ context.Context, p transformPerception) (transformAction, error) {
	candidate := p.candidates[0]
	fileID := candidate.fileID

	raw, err := os.ReadFile(filepath.Join(r.repoRoot, filepath.FromSlash(fileID)))
	if err != nil {
		return transformAction{}, fmt.Errorf("read %s: %w", fileID, err)
	}
	sourceContent := string(raw)
	lineCount := strings.Count(sourceContent, "\n") + 1

	largeCfg := r.cfg.Transformer.LargeFile
	largeFileMode := lineCount >= largeCfg.LineThreshold
	maxFewShot := 3
	maxRetryIssues := 0 // unlimited
	if largeFileMode {
		maxFewShot = largeCfg.MaxFewShotExamples
		maxRetryIssues = largeCfg.MaxRetryIssues
	}

	patterns := pheromone.Strings(candidate.task, "patterns_found")
	fewShot, err := r.collectFewShotExamples(patterns, fileID, maxFewShot)
	if err != nil {
		return transformAction{}, err
	}
	retryContext, err := r.buildRetryContext(fileID, candidate.status, maxRetryIssues)
	if err != nil {
		return transformAction{}, err
	}

	prompt := buildTransformPrompt(fileID, sourceContent, patterns, fewShot, retryContext)
	return transformAction{
		fileID:        fileID,
		sourceContent: sourceContent,
		patterns:      patterns,
		prompt:        prompt,
		status:        candidate.status,
		largeFileMode: largeFileMode,
	}, nil
}

func (r *transformRole) execute(ctx context.Context, action transformAction) (transformResult, error) {
	// Budget is checked before the lock is taken, so exhaustion never
	// strands a file in_progress.
	if !r.generator.BudgetAllows(action.prompt, transformSystemPrompt) {
		r.logger.Info("budget guard blocked transform", "file_id", action.fileID)
		return transformResult{}, errSkipTick
	}

	baseRetry := pheromone.Int(action.status, "retry_count")
	baseInhibition := pheromone.Float(action.status, "inhibition")

	if err := r.store.Update(pheromone.MapStatus, action.fileID, pheromone.Fields{
		"status":          pheromone.StatusInProgress,
		"previous_status": pheromone.StatusOf(action.status),
		"current_tick":    r.tick(),
	}, RoleTransform); err != nil {
		return transformResult{}, err
	}

	result := transformResult{
		fileID:        action.fileID,
		patterns:      action.patterns,
		retryCount:    baseRetry,
		inhibition:    baseInhibition,
		largeFileMode: action.largeFileMode,
	}

	response, err := r.generator.Generate(ctx, action.prompt, transformSystemPrompt)
	if err != nil {
		result.errorMessage = err.Error()
		return result, nil
	}
	result.tokensUsed = response.TokensUsed
	result.latencyMS = response.LatencyMS

	transformed := llm.ExtractCodeBlock(response.Content)
	if strings.TrimSpace(transformed) == "" {
		result.errorMessage = "llm returned empty transformed content"
		return result, nil
	}

	path := filepath.Join(r.repoRoot, filepath.FromSlash(action.fileID))
	if err := os.WriteFile(path, []byte(transformed+"\n"), 0o644); err != nil {
		result.errorMessage = fmt.Sprintf("write transformed file: %v", err)
		return result, nil
	}

	// Syntax gate: bounded repair loop on structural failures.
	gate := r.cfg.Transformer.SyntaxGate
	if gate.Enabled {
		issue, ok := r.checker.CompileCheck(ctx, action.fileID)
		for !ok && result.repairAttempts < gate.RepairAttemptsMax {
			result.repairAttempts++
			repairResponse, err := r.generator.Generate(ctx,
				buildSyntaxRepairPrompt(action.fileID, transformed, issue), transformSystemPrompt)
			if err != nil {
				result.errorMessage = err.Error()
				return result, nil
			}
			result.tokensUsed += repairResponse.TokensUsed
			result.latencyMS += repairResponse.LatencyMS

			transformed = llm.ExtractCodeBlock(repairResponse.Content)
			if strings.TrimSpace(transformed) == "" {
				result.errorMessage = "llm returned empty repaired content"
				return result, nil
			}
			if err := os.WriteFile(path, []byte(transformed+"\n"), 0o644); err != nil {
				result.errorMessage = fmt.Sprintf("write repaired file: %v", err)
				return result, nil
			}
			issue, ok = r.checker.CompileCheck(ctx, action.fileID)
		}
		if !ok {
			result.retryable = true
			result.errorMessage = "syntax gate failed: " + issue
			result.retryCount = baseRetry + 1
			result.inhibition = baseInhibition + 0.5
			return result, nil
		}
	}

	result.success = true
	result.diffLines = countChangedLines(action.sourceContent, transformed)
	return result, nil
}

func (r *transformRole) deposit(_ context.Context, result transformResult) error {
	if result.success {
		return r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
			"status":          pheromone.StatusTransformed,
			"previous_status": pheromone.StatusInProgress,
			"retry_count":     result.retryCount,
			"inhibition":      result.inhibition,
			"metadata": map[string]any{
				"tokens_used":       result.tokensUsed,
				"latency_ms":        result.latencyMS,
				"diff_lines":        result.diffLines,
				"patterns_migrated": result.patterns,
				"repair_attempts":   result.repairAttempts,
				"large_file_mode":   result.largeFileMode,
			},
		}, RoleTransform)
	}

	if result.retryable {
		return r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
			"status":          pheromone.StatusRetry,
			"previous_status": pheromone.StatusInProgress,
			"retry_count":     result.retryCount,
			"inhibition":      result.inhibition,
			"metadata": map[string]any{
				"error":           result.errorMessage,
				"repair_attempts": result.repairAttempts,
			},
		}, RoleTransform)
	}

	return r.store.Update(pheromone.MapStatus, result.fileID, pheromone.Fields{
		"status":          pheromone.StatusFailed,
		"previous_status": pheromone.StatusInProgress,
		"retry_count":     result.retryCount,
		"inhibition":      result.inhibition,
		"metadata":        map[string]any{"error": result.errorMessage},
	}, RoleTransform)
}

// collectFewShotExamples gathers up to maxExamples validated files with high
// confidence sharing at least one pattern tag: the stigmergic few-shot pool.
func (r *transformRole) collectFewShotExamples(targetPatterns []string, targetFileID string, maxExamples int) ([]string, error) {
	if maxExamples <= 0 {
		return nil, nil
	}

	validated, err := r.store.Query(pheromone.MapStatus,
		pheromone.Eq("status", pheromone.StatusValidated))
	if err != nil {
		return nil, err
	}
	quality, err := r.store.ReadAll(pheromone.MapQuality)
	if err != nil {
		return nil, err
	}

	targetSet := map[string]bool{}
	for _, pattern := range targetPatterns {
		targetSet[pattern] = true
	}

	fileIDs := make([]string, 0, len(validated))
	for fileID := range validated {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)

	var examples []string
	for _, fileID := range fileIDs {
		if fileID == targetFileID {
			continue
		}
		if pheromone.Float(quality[fileID], "confidence") < r.cfg.Thresholds.ValidatorConfidenceHigh {
			continue
		}

		taskEntry, err := r.store.ReadOne(pheromone.MapTasks, fileID)
		if err != nil {
			return nil, err
		}
		examplePatterns := pheromone.Strings(taskEntry, "patterns_found")
		if len(targetSet) > 0 && !sharesPattern(targetSet, examplePatterns) {
			continue
		}

		content, err := os.ReadFile(filepath.Join(r.repoRoot, filepath.FromSlash(fileID)))
		if err != nil {
			continue
		}
		examples = append(examples, strings.Join([]string{
			"Example file: " + fileID,
			"Patterns: " + strings.Join(examplePatterns, ", "),
			"Converted output:",
			string(content),
		}, "\n"))

		if len(examples) >= maxExamples {
			break
		}
	}
	return examples, nil
}

func (r *transformRole) buildRetryContext(fileID string, statusEntry pheromone.Entry, maxIssues int) (string, error) {
	if pheromone.Int(statusEntry, "retry_count") <= 0 {
		return "", nil
	}
	qualityEntry, err := r.store.ReadOne(pheromone.MapQuality, fileID)
	if err != nil {
		return "", err
	}
	issues := pheromone.Strings(qualityEntry, "issues")
	if maxIssues > 0 && len(issues) > maxIssues {
		issues = issues[:maxIssues]
	}
	if len(issues) == 0 {
		return "Retry context: this file was previously retried.", nil
	}
	var sb strings.Builder
	sb.WriteString("Retry context from previous failures:\n")
	for _, issue := range issues {
		sb.WriteString("- " + issue + "\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func buildTransformPrompt(fileID, sourceContent string, patterns, fewShot []string, retryContext string) string {
	sections := []string{
		"Convert this Python 2 file to Python 3.",
		"File: " + fileID,
		"Patterns to address: " + strings.Join(patterns, ", "),
	}
	if len(fewShot) > 0 {
		sections = append(sections, "Few-shot examples from validated traces:")
		sections = append(sections, fewShot...)
	}
	if retryContext != "" {
		sections = append(sections, retryContext)
	}
	sections = append(sections,
		"Source file:", "---", sourceContent, "---",
		"Return ONLY the complete converted Python 3 file.",
	)
	return strings.Join(sections, "\n\n")
}

func buildSyntaxRepairPrompt(fileID, brokenContent, issue string) string {
	return strings.Join([]string{
		"Repair this Python file so it is syntactically valid Python 3.",
		"File: " + fileID,
		"Compiler error: " + issue,
		"Constraints:\n- Return ONLY the full corrected Python file.\n" +
			"- Preserve semantics as much as possible.\n" +
			"- Do not include markdown fences or explanations.",
		"Broken file content:", "---", brokenContent, "---",
	}, "\n\n")
}

func sharesPattern(targetSet map[string]bool, patterns []string) bool {
	for _, pattern := range patterns {
		if targetSet[pattern] {
			return true
		}
	}
	return false
}

// countChangedLines approximates the unified-diff churn between two versions:
// lines outside the common prefix and suffix on both sides.
func countChangedLines(before, after string) int {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	prefix := 0
	for prefix < len(beforeLines) && prefix < len(afterLines) &&
		beforeLines[prefix] == afterLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(beforeLines)-prefix && suffix < len(afterLines)-prefix &&
		beforeLines[len(beforeLines)-1-suffix] == afterLines[len(afterLines)-1-suffix] {
		suffix++
	}
	return (len(beforeLines) - prefix - suffix) + (len(afterLines) - prefix - suffix)
}
