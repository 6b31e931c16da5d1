package roles

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/detect"
	"github.com/basket/go-colony/internal/pheromone"
)

// discoverPerception is the set of files not yet in the medium.
type discoverPerception struct {
	candidates []string
	allFileIDs map[string]bool
}

// fileAnalysis is one scored candidate.
type fileAnalysis struct {
	fileID       string
	analysis     detect.Analysis
	dependencies []string
	rawScore     float64
	intensity    float64
}

type discoverBatch struct {
	analyses []fileAnalysis
}

type discoverRole struct {
	store    *pheromone.Store
	cfg      *config.Config
	analyzer detect.Analyzer
	repoRoot string
	logger   *slog.Logger
}

// NewDiscover builds the Discover role: it enumerates unscanned files,
// scores them, and deposits task plus pending status pheromones. Idempotent
// with respect to already-discovered files; terminal files never reopen.
func NewDiscover(store *pheromone.Store, cfg *config.Config, analyzer detect.Analyzer, repoRoot string, logger *slog.Logger) Runner {
	r := &discoverRole{store: store, cfg: cfg, analyzer: analyzer, repoRoot: repoRoot, logger: logger}
	return &Steps[discoverPerception, discoverBatch, discoverBatch]{
		RoleName:  RoleDiscover,
		Logger:    logger,
		Perceive:  r.perceive,
		ShouldAct: func(p discoverPerception) bool { return len(p.candidates) > 0 },
		Decide:    r.decide,
		Execute:   r.execute,
		Deposit:   r.deposit,
	}
}

func (r *discoverRole) perceive(_ context.Context) (discoverPerception, error) {
	tasks, err := r.store.ReadAll(pheromone.MapTasks)
	if err != nil {
		return discoverPerception{}, err
	}
	status, err := r.store.ReadAll(pheromone.MapStatus)
	if err != nil {
		return discoverPerception{}, err
	}

	allFileIDs, err := r.enumerateFiles()
	if err != nil {
		return discoverPerception{}, err
	}

	var candidates []string
	for fileID := range allFileIDs {
		if _, known := tasks[fileID]; known {
			continue
		}
		if entry, ok := status[fileID]; ok && pheromone.LoopTerminalStatuses[pheromone.StatusOf(entry)] {
			continue
		}
		candidates = append(candidates, fileID)
	}
	sort.Strings(candidates)

	actionCap := r.cfg.Loop.SequentialStageActionCap
	if actionCap > 0 && len(candidates) > actionCap {
		candidates = candidates[:actionCap]
	}

	return discoverPerception{candidates: candidates, allFileIDs: allFileIDs}, nil
}

func (r *discoverRole) decide(_ context.Context, p discoverPerception) (discoverBatch, error) {
	var analyses []fileAnalysis
	for _, fileID := range p.candidates {
		content, err := os.ReadFile(filepath.Join(r.repoRoot, filepath.FromSlash(fileID)))
		if err != nil {
			r.logger.Warn("unreadable candidate skipped", "file_id", fileID, "error", err)
			continue
		}

		analysis, err := r.analyzer.Analyze(content)
		if err != nil {
			// Detection is best-effort: an unparseable file still gets a task
			// entry from whatever the detector salvaged.
			r.logger.Warn("pattern detection degraded", "file_id", fileID, "error", err)
		}

		dependencies := detect.Dependencies(fileID, content, p.allFileIDs)
		rawScore := r.cfg.Discover.PatternWeight*float64(analysis.PatternCount) +
			r.cfg.Discover.DepWeight*float64(len(dependencies))

		analyses = append(analyses, fileAnalysis{
			fileID:       fileID,
			analysis:     analysis,
			dependencies: dependencies,
			rawScore:     rawScore,
		})
	}
	return discoverBatch{analyses: analyses}, nil
}

// execute min-max normalizes the batch's raw scores into the configured
// intensity clamp. A flat batch gets 0.5 across the board.
func (r *discoverRole) execute(_ context.Context, batch discoverBatch) (discoverBatch, error) {
	if len(batch.analyses) == 0 {
		return batch, errSkipTick
	}

	scoreMin, scoreMax := batch.analyses[0].rawScore, batch.analyses[0].rawScore
	for _, entry := range batch.analyses[1:] {
		if entry.rawScore < scoreMin {
			scoreMin = entry.rawScore
		}
		if entry.rawScore > scoreMax {
			scoreMax = entry.rawScore
		}
	}

	floor, ceiling := r.cfg.Pheromones.TaskIntensityClamp[0], r.cfg.Pheromones.TaskIntensityClamp[1]
	for i := range batch.analyses {
		var normalized float64
		if scoreMax == scoreMin {
			normalized = 0.5
		} else {
			normalized = (batch.analyses[i].rawScore - scoreMin) / (scoreMax - scoreMin)
		}
		batch.analyses[i].intensity = clamp(normalized, floor, ceiling)
	}
	return batch, nil
}

func (r *discoverRole) deposit(_ context.Context, batch discoverBatch) error {
	for _, entry := range batch.analyses {
		taskPayload := pheromone.Entry{
			"intensity":        entry.intensity,
			"patterns_found":   entry.analysis.PatternsFound,
			"pattern_count":    entry.analysis.PatternCount,
			"pattern_details":  entry.analysis.Hits,
			"dependencies":     entry.dependencies,
			"dep_count":        len(entry.dependencies),
			"detection_source": entry.analysis.DetectionSource,
		}
		if err := r.store.Write(pheromone.MapTasks, entry.fileID, taskPayload, RoleDiscover); err != nil {
			return err
		}

		statusPayload := pheromone.Entry{
			"status":      pheromone.StatusPending,
			"retry_count": 0,
			"inhibition":  0.0,
			"metadata": map[string]any{
				"patterns_found": entry.analysis.PatternsFound,
			},
		}
		if err := r.store.Write(pheromone.MapStatus, entry.fileID, statusPayload, RoleDiscover); err != nil {
			return err
		}
	}
	return nil
}

func (r *discoverRole) enumerateFiles() (map[string]bool, error) {
	excluded := map[string]bool{}
	for _, dir := range r.cfg.Discover.ExcludeDirs {
		excluded[dir] = true
	}

	fileIDs := map[string]bool{}
	err := filepath.WalkDir(r.repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excluded[d.Name()] && path != r.repoRoot {
				return filepath.SkipDir
			}
			return nil
		}
		matched, err := filepath.Match(r.cfg.Discover.FileGlob, d.Name())
		if err != nil || !matched {
			return err
		}
		rel, err := filepath.Rel(r.repoRoot, path)
		if err != nil {
			return err
		}
		fileIDs[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fileIDs, nil
}

func clamp(value, floor, ceiling float64) float64 {
	if value < floor {
		return floor
	}
	if value > ceiling {
		return ceiling
	}
	return value
}
