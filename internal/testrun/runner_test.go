package testrun

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-colony/internal/config"
)

func newTestRunner(t *testing.T) *SubprocessRunner {
	t.Helper()
	return NewSubprocessRunner(t.TempDir(), config.Default())
}

func TestParseTestSummary(t *testing.T) {
	tests := []struct {
		name   string
		output string
		total  int
		passed int
		failed int
	}{
		{"all pass", "== 4 passed in 0.12s ==", 4, 4, 0},
		{"mixed", "== 3 passed, 1 failed in 0.5s ==", 4, 3, 1},
		{"errors count as failures", "== 2 passed, 1 error in 0.2s ==", 3, 2, 1},
		{"nothing parsed", "collected 0 items", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, passed, failed := parseTestSummary(tt.output)
			if total != tt.total || passed != tt.passed || failed != tt.failed {
				t.Errorf("parseTestSummary(%q) = (%d, %d, %d), want (%d, %d, %d)",
					tt.output, total, passed, failed, tt.total, tt.passed, tt.failed)
			}
		})
	}
}

func TestParseCoverage(t *testing.T) {
	output := "module.py   12   3   75%\nTOTAL   12   3   75%\n"
	if got := parseCoverage(output); got != 0.75 {
		t.Fatalf("coverage = %v, want 0.75", got)
	}
	if got := parseCoverage("no coverage here"); got != 0 {
		t.Fatalf("coverage = %v, want 0", got)
	}
}

func TestDiscoverTestFile(t *testing.T) {
	root := t.TempDir()
	runner := NewSubprocessRunner(root, config.Default())

	if got := runner.DiscoverTestFile("pkg/module.py"); got != "" {
		t.Fatalf("found nonexistent test: %q", got)
	}

	// tests/ directory wins.
	if err := os.MkdirAll(filepath.Join(root, "tests"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "tests", "test_module.py"), []byte("def test_x(): pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := runner.DiscoverTestFile("pkg/module.py"); got != "tests/test_module.py" {
		t.Fatalf("test file = %q, want tests/test_module.py", got)
	}
}

func TestDiscoverTestFileSibling(t *testing.T) {
	root := t.TempDir()
	runner := NewSubprocessRunner(root, config.Default())
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pkg", "test_module.py"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := runner.DiscoverTestFile("pkg/module.py"); got != "pkg/test_module.py" {
		t.Fatalf("test file = %q, want pkg/test_module.py", got)
	}
}

func TestToModuleName(t *testing.T) {
	if got := toModuleName("pkg/sub/module.py"); got != "pkg.sub.module" {
		t.Fatalf("module name = %q", got)
	}
	if got := toModuleName("top.py"); got != "top" {
		t.Fatalf("module name = %q", got)
	}
}

func TestCompactIssue(t *testing.T) {
	multi := "line one\n\n  line two  \nline three"
	if got := compactIssue(multi); got != "line one line two line three" {
		t.Fatalf("compact = %q", got)
	}
	long := strings.Repeat("x", 400)
	if got := compactIssue(long); len(got) != 300 || !strings.HasSuffix(got, "...") {
		t.Fatalf("long issue not squashed: len=%d", len(got))
	}
}

func TestIsInconclusiveImportFailure(t *testing.T) {
	runner := newTestRunner(t)
	hints := runner.hints

	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"script entry point", "usage: tool.py [-h]", true},
		{"system exit", "SystemExit: 2", true},
		{"optional dep hint", "This feature requires that you pip install extras", true},
		{"missing optional module", `ImportError: No module named 'numpy'`, true},
		{"legacy stdlib module", `ImportError: No module named 'urllib2'`, false},
		{"plain traceback", "TypeError: unsupported operand", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isInconclusiveImportFailure("module.py", runner.repoRoot, tt.output, hints)
			if got != tt.want {
				t.Errorf("inconclusive(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestIsInconclusiveMissingIntraRepoModule(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "helpers.py"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := NewSubprocessRunner(root, config.Default())
	// A module that exists in the repo is migration-related when missing.
	got := isInconclusiveImportFailure("module.py", root, `No module named 'helpers'`, runner.hints)
	if got {
		t.Fatal("missing intra-repo module must be conclusive (related)")
	}
}

func TestClassifyGlobalFailure(t *testing.T) {
	runner := newTestRunner(t)
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"no tests ran", "no tests ran in 0.01s", "inconclusive"},
		{"conftest import", "ImportError while loading conftest", "inconclusive"},
		{"mentions file", "FAILED tests/test_x.py - ImportError in module.py", "related"},
		{"mentions module name", "E ModuleNotFoundError in module", "related"},
		{"unrelated noise", "FAILED tests/test_y.py - AssertionError", "inconclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGlobalFailure("module.py", runner.repoRoot, tt.output, runner.hints)
			if got != tt.want {
				t.Errorf("classify(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}
