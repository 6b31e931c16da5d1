package cli

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/roles"
)

var reviewFlags struct {
	configPath string
	stateDir   string
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Decide the fate of files paused in needs_review",
	RunE:  runReview,
}

func init() {
	flags := reviewCmd.Flags()
	flags.StringVar(&reviewFlags.configPath, "config", "", "configuration file path")
	flags.StringVar(&reviewFlags.stateDir, "state-dir", ".", "directory holding the pheromone store")
}

func runReview(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(reviewFlags.configPath)
	if err != nil {
		return err
	}
	store, err := pheromone.NewStore(reviewFlags.stateDir, cfg, nil)
	if err != nil {
		return fmt.Errorf("open pheromone store: %w", err)
	}

	entries, err := store.Query(pheromone.MapStatus,
		pheromone.Eq("status", pheromone.StatusNeedsReview))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No needs_review files found.")
		return nil
	}

	fileIDs := make([]string, 0, len(entries))
	for fileID := range entries {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)

	reader := bufio.NewReader(os.Stdin)
	for _, fileID := range fileIDs {
		qualityEntry, err := store.ReadOne(pheromone.MapQuality, fileID)
		if err != nil {
			return err
		}
		confidence := pheromone.Float(qualityEntry, "confidence")
		issues := pheromone.Strings(qualityEntry, "issues")

		fmt.Println()
		color.Cyan("File: %s", fileID)
		fmt.Printf("Confidence: %.3f\n", confidence)
		if len(issues) > 0 {
			color.Yellow("Issues:")
			for _, issue := range issues {
				fmt.Println("  - " + issue)
			}
		}

		action, err := promptReviewAction(reader, fileID)
		if err != nil {
			return err
		}
		if err := applyReviewDecision(store, cfg, fileID, entries[fileID], confidence, action); err != nil {
			return err
		}
	}

	color.Green("\nReview decisions applied.")
	return nil
}

func promptReviewAction(reader *bufio.Reader, fileID string) (string, error) {
	for {
		fmt.Printf("Choose action for %s [validate/retry/skip]: ", fileID)
		raw, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read review input: %w", err)
		}
		action := strings.ToLower(strings.TrimSpace(raw))
		switch action {
		case "validate", "retry", "skip":
			return action, nil
		}
		fmt.Println("Invalid action. Please choose one of: validate, retry, skip.")
	}
}

func applyReviewDecision(
	store *pheromone.Store, cfg *config.Config,
	fileID string, statusEntry pheromone.Entry, confidence float64, action string,
) error {
	switch action {
	case "validate":
		// Manual validation raises confidence to at least the high cutoff.
		raised := max(confidence, cfg.Thresholds.ValidatorConfidenceHigh)
		if err := store.Update(pheromone.MapStatus, fileID, pheromone.Fields{
			"status":          pheromone.StatusValidated,
			"previous_status": pheromone.StatusNeedsReview,
			"metadata":        map[string]any{"decision": "manual_validate"},
		}, roles.RoleReview); err != nil {
			return err
		}
		return store.Update(pheromone.MapQuality, fileID, pheromone.Fields{
			"confidence": raised,
		}, roles.RoleReview)

	case "retry":
		return store.Update(pheromone.MapStatus, fileID, pheromone.Fields{
			"status":          pheromone.StatusRetry,
			"previous_status": pheromone.StatusNeedsReview,
			"retry_count":     pheromone.Int(statusEntry, "retry_count") + 1,
			"inhibition":      pheromone.Float(statusEntry, "inhibition") + 0.5,
			"metadata":        map[string]any{"decision": "manual_retry"},
		}, roles.RoleReview)

	default:
		return store.Update(pheromone.MapStatus, fileID, pheromone.Fields{
			"status":          pheromone.StatusSkipped,
			"previous_status": pheromone.StatusNeedsReview,
			"metadata":        map[string]any{"decision": "manual_skip"},
		}, roles.RoleReview)
	}
}
