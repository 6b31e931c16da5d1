// Package config loads and validates the colony run configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PheromonesConfig controls decay dynamics for the shared medium.
type PheromonesConfig struct {
	// DecayType selects the intensity decay law: "exponential" or "linear".
	DecayType string `yaml:"decay_type" json:"decay_type"`
	// DecayRate is rho, the per-tick decay constant for task intensity.
	DecayRate float64 `yaml:"decay_rate" json:"decay_rate"`
	// InhibitionDecayRate is k_gamma, the per-tick decay constant for inhibition.
	InhibitionDecayRate float64 `yaml:"inhibition_decay_rate" json:"inhibition_decay_rate"`
	// InhibitionThreshold is the gamma below which Transform may resume a file.
	InhibitionThreshold float64 `yaml:"inhibition_threshold" json:"inhibition_threshold"`
	// TaskIntensityClamp is the [floor, ceiling] applied after normalization.
	TaskIntensityClamp []float64 `yaml:"task_intensity_clamp" json:"task_intensity_clamp"`
}

// ThresholdsConfig holds activation floors and ceilings for roles.
type ThresholdsConfig struct {
	TransformerIntensityMin float64 `yaml:"transformer_intensity_min" json:"transformer_intensity_min"`
	ValidatorConfidenceHigh float64 `yaml:"validator_confidence_high" json:"validator_confidence_high"`
	ValidatorConfidenceLow  float64 `yaml:"validator_confidence_low" json:"validator_confidence_low"`
	MaxRetryCount           int     `yaml:"max_retry_count" json:"max_retry_count"`
	ScopeLockTTL            int     `yaml:"scope_lock_ttl" json:"scope_lock_ttl"`
}

// LoopConfig bounds the tick orchestrator.
type LoopConfig struct {
	MaxTicks        int `yaml:"max_ticks" json:"max_ticks"`
	IdleCyclesToStop int `yaml:"idle_cycles_to_stop" json:"idle_cycles_to_stop"`
	// SequentialStageActionCap bounds iterations of any intra-role inner loop.
	SequentialStageActionCap int `yaml:"sequential_stage_action_cap" json:"sequential_stage_action_cap"`
}

// BudgetsConfig holds the run-level spend ceilings.
type BudgetsConfig struct {
	MaxTokensTotal        int     `yaml:"max_tokens_total" json:"max_tokens_total"`
	MaxBudgetUSD          float64 `yaml:"max_budget_usd" json:"max_budget_usd"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// FallbackQuality maps Test classifications to confidence values when no
// dedicated tests exist for a file.
type FallbackQuality struct {
	CompileImportFail   float64 `yaml:"compile_import_fail" json:"compile_import_fail"`
	RelatedRegression   float64 `yaml:"related_regression" json:"related_regression"`
	PassOrInconclusive  float64 `yaml:"pass_or_inconclusive" json:"pass_or_inconclusive"`
}

// TesterConfig controls the Test role's effector and classification.
type TesterConfig struct {
	FallbackQuality         FallbackQuality `yaml:"fallback_quality" json:"fallback_quality"`
	OptionalDependencyHints []string        `yaml:"optional_dependency_hints" json:"optional_dependency_hints"`
}

// SyntaxGate controls the bounded repair loop after each transformation.
type SyntaxGate struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RepairAttemptsMax int  `yaml:"repair_attempts_max" json:"repair_attempts_max"`
}

// LargeFile shrinks prompt budgets once a file crosses the line threshold.
type LargeFile struct {
	LineThreshold      int `yaml:"line_threshold" json:"line_threshold"`
	MaxFewShotExamples int `yaml:"max_few_shot_examples" json:"max_few_shot_examples"`
	MaxRetryIssues     int `yaml:"max_retry_issues" json:"max_retry_issues"`
}

// AgingConfig prevents starvation of mid-priority files.
type AgingConfig struct {
	BoostPerTick float64 `yaml:"boost_per_tick" json:"boost_per_tick"`
	BoostCap     float64 `yaml:"boost_cap" json:"boost_cap"`
}

// TransformerConfig controls the Transform role.
type TransformerConfig struct {
	SyntaxGate SyntaxGate  `yaml:"syntax_gate" json:"syntax_gate"`
	LargeFile  LargeFile   `yaml:"large_file" json:"large_file"`
	Aging      AgingConfig `yaml:"aging" json:"aging"`
}

// DiscoverConfig weighs the raw score components used by Discover.
type DiscoverConfig struct {
	PatternWeight float64 `yaml:"pattern_weight" json:"pattern_weight"`
	DepWeight     float64 `yaml:"dep_weight" json:"dep_weight"`
	// FileGlob selects candidate files in the working tree.
	FileGlob string `yaml:"file_glob" json:"file_glob"`
	// ExcludeDirs are path segments never scanned.
	ExcludeDirs []string `yaml:"exclude_dirs" json:"exclude_dirs"`
}

// LLMConfig holds model selection and retry policy for the LLM effector.
type LLMConfig struct {
	Model                      string  `yaml:"model" json:"model"`
	Temperature                float64 `yaml:"temperature" json:"temperature"`
	RetryAttempts              int     `yaml:"retry_attempts" json:"retry_attempts"`
	EstimatedCompletionTokens  int     `yaml:"estimated_completion_tokens" json:"estimated_completion_tokens"`
	PromptCostPer1M            float64 `yaml:"prompt_cost_per_1m_usd" json:"prompt_cost_per_1m_usd"`
	CompletionCostPer1M        float64 `yaml:"completion_cost_per_1m_usd" json:"completion_cost_per_1m_usd"`
	// MinRequestIntervalMS is the provider rate-limit floor; 0 disables it.
	MinRequestIntervalMS int `yaml:"min_request_interval_ms" json:"min_request_interval_ms"`
}

// MetricsConfig controls run artifact export.
type MetricsConfig struct {
	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	OtelEnabled bool   `yaml:"otel_enabled" json:"otel_enabled"`
}

// GitConfig controls the VCS effector.
type GitConfig struct {
	BranchPrefix string `yaml:"branch_prefix" json:"branch_prefix"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Pheromones  PheromonesConfig  `yaml:"pheromones" json:"pheromones"`
	Thresholds  ThresholdsConfig  `yaml:"thresholds" json:"thresholds"`
	Loop        LoopConfig        `yaml:"loop" json:"loop"`
	Budgets     BudgetsConfig     `yaml:"budgets" json:"budgets"`
	Tester      TesterConfig      `yaml:"tester" json:"tester"`
	Transformer TransformerConfig `yaml:"transformer" json:"transformer"`
	Discover    DiscoverConfig    `yaml:"discover" json:"discover"`
	LLM         LLMConfig         `yaml:"llm" json:"llm"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Git         GitConfig         `yaml:"git" json:"git"`
	LogLevel    string            `yaml:"log_level" json:"log_level"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		Pheromones: PheromonesConfig{
			DecayType:           "exponential",
			DecayRate:           0.05,
			InhibitionDecayRate: 0.08,
			InhibitionThreshold: 0.1,
			TaskIntensityClamp:  []float64{0.1, 1.0},
		},
		Thresholds: ThresholdsConfig{
			TransformerIntensityMin: 0.2,
			ValidatorConfidenceHigh: 0.8,
			ValidatorConfidenceLow:  0.5,
			MaxRetryCount:           3,
			ScopeLockTTL:            3,
		},
		Loop: LoopConfig{
			MaxTicks:                 50,
			IdleCyclesToStop:         2,
			SequentialStageActionCap: 50,
		},
		Budgets: BudgetsConfig{
			MaxTokensTotal:        100_000,
			MaxBudgetUSD:          0,
			RequestTimeoutSeconds: 300,
		},
		Tester: TesterConfig{
			FallbackQuality: FallbackQuality{
				CompileImportFail:  0.4,
				RelatedRegression:  0.6,
				PassOrInconclusive: 0.8,
			},
			OptionalDependencyHints: []string{"requires that", "pip install", "optional dependency"},
		},
		Transformer: TransformerConfig{
			SyntaxGate: SyntaxGate{Enabled: true, RepairAttemptsMax: 2},
			LargeFile:  LargeFile{LineThreshold: 250, MaxFewShotExamples: 0, MaxRetryIssues: 2},
			Aging:      AgingConfig{BoostPerTick: 0.01, BoostCap: 0.08},
		},
		Discover: DiscoverConfig{
			PatternWeight: 0.6,
			DepWeight:     0.4,
			FileGlob:      "*.py",
			ExcludeDirs:   []string{".git", ".venv", "__pycache__"},
		},
		LLM: LLMConfig{
			Model:                     "claude-sonnet-4-5",
			Temperature:               0.2,
			RetryAttempts:             3,
			EstimatedCompletionTokens: 4096,
			PromptCostPer1M:           3.00,
			CompletionCostPer1M:       15.00,
		},
		Metrics: MetricsConfig{OutputDir: "metrics/output"},
		Git:     GitConfig{BranchPrefix: "colony-migration"},
		LogLevel: "info",
	}
}

// Load reads the YAML config at path and merges it over the defaults.
// An empty path returns the pure defaults; a path that does not exist is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the dynamics cannot run with.
func (c *Config) Validate() error {
	switch c.Pheromones.DecayType {
	case "exponential", "linear":
	default:
		return fmt.Errorf("pheromones.decay_type must be exponential or linear, got %q", c.Pheromones.DecayType)
	}
	if c.Pheromones.DecayRate < 0 {
		return fmt.Errorf("pheromones.decay_rate must be non-negative")
	}
	if c.Pheromones.InhibitionDecayRate < 0 {
		return fmt.Errorf("pheromones.inhibition_decay_rate must be non-negative")
	}
	if len(c.Pheromones.TaskIntensityClamp) != 2 {
		return fmt.Errorf("pheromones.task_intensity_clamp must be [floor, ceiling]")
	}
	if c.Pheromones.TaskIntensityClamp[0] > c.Pheromones.TaskIntensityClamp[1] {
		return fmt.Errorf("pheromones.task_intensity_clamp floor exceeds ceiling")
	}
	if c.Thresholds.ValidatorConfidenceLow > c.Thresholds.ValidatorConfidenceHigh {
		return fmt.Errorf("thresholds.validator_confidence_low exceeds high cutoff")
	}
	if c.Thresholds.MaxRetryCount < 0 || c.Thresholds.ScopeLockTTL < 0 {
		return fmt.Errorf("thresholds retry/ttl values must be non-negative")
	}
	if c.Loop.MaxTicks <= 0 {
		return fmt.Errorf("loop.max_ticks must be positive")
	}
	if c.Budgets.MaxTokensTotal <= 0 {
		return fmt.Errorf("budgets.max_tokens_total must be positive")
	}
	return nil
}

// Hash returns the sha256 of the normalized config, for the run manifest.
func (c *Config) Hash() string {
	serialized, err := json.Marshal(c)
	if err != nil {
		return "sha256:unavailable"
	}
	sum := sha256.Sum256(serialized)
	return "sha256:" + hex.EncodeToString(sum[:])
}
