// Package testrun is the test-runner effector: it locates and executes tests
// for a transformed file, or falls back to a two-phase structural check plus
// a global regression probe, and classifies the outcome into one of five
// quality tags.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/pheromone"
)

// Outcome is the effector result consumed by the Test role.
type Outcome struct {
	TestsTotal     int
	TestsPassed    int
	TestsFailed    int
	Coverage       float64
	Issues         []string
	Classification string
	Confidence     float64
	TestMode       string
	TestFile       string
}

// Runner is the effector interface consumed by the Test role.
type Runner interface {
	Run(ctx context.Context, fileID string) (Outcome, error)
}

// SubprocessRunner shells out to the target language toolchain.
type SubprocessRunner struct {
	repoRoot   string
	executable string
	fallback   config.FallbackQuality
	hints      []string
}

// NewSubprocessRunner builds the runner for one working tree.
func NewSubprocessRunner(repoRoot string, cfg *config.Config) *SubprocessRunner {
	hints := make([]string, 0, len(cfg.Tester.OptionalDependencyHints))
	for _, hint := range cfg.Tester.OptionalDependencyHints {
		normalized := strings.ToLower(strings.TrimSpace(hint))
		if normalized != "" {
			hints = append(hints, normalized)
		}
	}
	return &SubprocessRunner{
		repoRoot:   repoRoot,
		executable: "python3",
		fallback:   cfg.Tester.FallbackQuality,
		hints:      hints,
	}
}

// Run tests one file: dedicated tests when they exist, the adaptive fallback
// otherwise.
func (r *SubprocessRunner) Run(ctx context.Context, fileID string) (Outcome, error) {
	testFile := r.DiscoverTestFile(fileID)
	if testFile != "" {
		outcome := r.runTestsForFile(ctx, fileID, testFile)
		outcome.TestMode = "pytest"
		outcome.TestFile = testFile
		return outcome, nil
	}
	outcome := r.runAdaptiveFallback(ctx, fileID)
	return outcome, nil
}

// CompileCheck runs the structural parse gate on one file. Transform calls
// this after every rewrite.
func (r *SubprocessRunner) CompileCheck(ctx context.Context, fileID string) (string, bool) {
	output, exitCode := r.runCommand(ctx, r.executable, "-m", "py_compile", fileID)
	if exitCode != 0 {
		return compactIssue(output), false
	}
	return "", true
}

// DiscoverTestFile finds a dedicated test in the canonical locations:
// tests/test_<stem> or a sibling test_<stem>.
func (r *SubprocessRunner) DiscoverTestFile(fileID string) string {
	stem := strings.TrimSuffix(filepath.Base(fileID), filepath.Ext(fileID))
	expected := "test_" + stem + ".py"

	candidates := []string{
		filepath.Join("tests", expected),
		filepath.Join(filepath.Dir(fileID), expected),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(filepath.Join(r.repoRoot, candidate)); err == nil {
			return filepath.ToSlash(candidate)
		}
	}
	return ""
}

func (r *SubprocessRunner) runTestsForFile(ctx context.Context, fileID, testFile string) Outcome {
	moduleName := toModuleName(fileID)
	output, exitCode := r.runCommand(ctx,
		r.executable, "-m", "pytest", testFile, "--maxfail=1", "-q",
		"--cov="+moduleName, "--cov-report=term",
	)

	total, passed, failed := parseTestSummary(output)
	if total == 0 {
		// The subprocess ran but reported nothing countable; credit the exit
		// code with one synthetic test so confidence stays meaningful.
		total = 1
		if exitCode == 0 {
			passed = 1
		} else {
			failed = 1
		}
	}

	outcome := Outcome{
		TestsTotal:  total,
		TestsPassed: passed,
		TestsFailed: failed,
		Coverage:    parseCoverage(output),
	}
	if exitCode != 0 {
		outcome.Issues = append(outcome.Issues, compactIssue(output))
	}
	if failed == 0 {
		outcome.Classification = pheromone.ClassifyPass
	} else {
		outcome.Classification = pheromone.ClassifyFailRelated
	}
	outcome.Confidence = float64(passed) / float64(total)
	return outcome
}

// runAdaptiveFallback is the two-phase fallback for files without tests:
// (1) compile/parse and import check; (2) a global regression probe.
func (r *SubprocessRunner) runAdaptiveFallback(ctx context.Context, fileID string) Outcome {
	var issues []string

	// Phase 1a: structural parse.
	output, exitCode := r.runCommand(ctx, r.executable, "-m", "py_compile", fileID)
	if exitCode != 0 {
		issues = append(issues, "compile: "+compactIssue(output))
		return Outcome{
			TestsTotal: 1, TestsFailed: 1,
			Issues:         issues,
			Classification: pheromone.ClassifyCompileFail,
			Confidence:     r.fallback.CompileImportFail,
			TestMode:       "fallback_compile_fail",
		}
	}

	// Phase 1b: import check.
	moduleName := toModuleName(fileID)
	output, exitCode = r.runCommand(ctx, r.executable, "-c", "import "+moduleName)
	if exitCode != 0 {
		issues = append(issues, compactIssue(output))
		if !isInconclusiveImportFailure(fileID, r.repoRoot, output, r.hints) {
			// A migration-caused import failure, e.g. a legacy import name
			// that must have been rewritten.
			return Outcome{
				TestsTotal: 1, TestsFailed: 1,
				Issues:         issues,
				Classification: pheromone.ClassifyFailRelated,
				Confidence:     r.fallback.RelatedRegression,
				TestMode:       "fallback_import_fail",
			}
		}
	}

	// Phase 2: global regression probe over the repo's existing tests.
	output, exitCode = r.runCommand(ctx, r.executable, "-m", "pytest", "-q")
	total, passed, failed := parseTestSummary(output)
	if total == 0 {
		total = 1
		if exitCode == 0 {
			passed = 1
		} else {
			failed = 1
		}
	}

	outcome := Outcome{
		TestsTotal:  total,
		TestsPassed: passed,
		TestsFailed: failed,
		Issues:      issues,
	}
	if exitCode == 0 {
		outcome.Classification = pheromone.ClassifyNoTests
		outcome.Confidence = r.fallback.PassOrInconclusive
		outcome.TestMode = "fallback_global_pass"
		return outcome
	}

	outcome.Issues = appendUnique(outcome.Issues, compactIssue(output))
	if classifyGlobalFailure(fileID, r.repoRoot, output, r.hints) == "related" {
		outcome.Classification = pheromone.ClassifyFailRelated
		outcome.Confidence = r.fallback.RelatedRegression
		outcome.TestMode = "fallback_global_related"
	} else {
		outcome.Classification = pheromone.ClassifyFailInconclusive
		outcome.Confidence = r.fallback.PassOrInconclusive
		outcome.TestMode = "fallback_global_inconclusive"
	}
	return outcome
}

// runCommand executes one subprocess with the repo root on the module path.
// A crashed subprocess is reported through its output and exit code.
func (r *SubprocessRunner) runCommand(ctx context.Context, name string, args ...string) (string, int) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.repoRoot
	cmd.Env = append(os.Environ(), "PYTHONPATH="+r.repoRoot)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitCode()
		}
		return fmt.Sprintf("%s\n%v", output, err), -1
	}
	return string(output), 0
}

func toModuleName(fileID string) string {
	trimmed := strings.TrimSuffix(fileID, filepath.Ext(fileID))
	return strings.ReplaceAll(filepath.ToSlash(trimmed), "/", ".")
}

var (
	passedRe  = regexp.MustCompile(`(\d+)\s+passed`)
	failedRe  = regexp.MustCompile(`(\d+)\s+failed`)
	errorRe   = regexp.MustCompile(`(\d+)\s+errors?`)
	coverageRe = regexp.MustCompile(`TOTAL\s+\d+\s+\d+\s+(\d+)%`)
)

func parseTestSummary(output string) (total, passed, failed int) {
	passed = extractCount(passedRe, output)
	failedCount := extractCount(failedRe, output)
	errorCount := extractCount(errorRe, output)
	failed = failedCount + errorCount
	total = passed + failed
	return total, passed, failed
}

func extractCount(re *regexp.Regexp, output string) int {
	match := re.FindStringSubmatch(output)
	if match == nil {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}

func parseCoverage(output string) float64 {
	match := coverageRe.FindStringSubmatch(output)
	if match == nil {
		return 0
	}
	percent, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return float64(percent) / 100.0
}

func compactIssue(output string) string {
	var parts []string
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	clean := strings.Join(parts, " ")
	if len(clean) > 300 {
		return clean[:297] + "..."
	}
	return clean
}

func appendUnique(issues []string, issue string) []string {
	for _, existing := range issues {
		if existing == issue {
			return issues
		}
	}
	return append(issues, issue)
}
