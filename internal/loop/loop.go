// Package loop drives the round-robin tick orchestrator: per tick, the
// maintenance and decay passes run first, then the four roles activate in
// fixed order, then the stop conditions are evaluated and a metrics row is
// recorded.
package loop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/metrics"
	"github.com/basket/go-colony/internal/pheromone"
	"github.com/basket/go-colony/internal/roles"
)

// Stop reasons exposed in the run summary.
const (
	StopAllTerminal     = "all_terminal"
	StopBudgetExhausted = "budget_exhausted"
	StopMaxTicks        = "max_ticks"
	StopIdleCycles      = "idle_cycles"
	StopFatalError      = "fatal_error"
)

// BudgetSource exposes the run's cumulative spend. Budget is first-class
// loop state: it gates the stop condition at the same synchronization point
// as status reads.
type BudgetSource interface {
	TotalTokensUsed() int
	TotalCostUSD() float64
}

// Orchestrator owns one run's tick loop.
type Orchestrator struct {
	store     *pheromone.Store
	cfg       *config.Config
	clock     *Clock
	roles     []roles.Runner
	budget    BudgetSource
	collector *metrics.Collector
	otel      *metrics.Provider
	logger    *slog.Logger
}

// New builds the orchestrator. Roles must be given in activation order.
func New(
	store *pheromone.Store,
	cfg *config.Config,
	clock *Clock,
	activationOrder []roles.Runner,
	budget BudgetSource,
	collector *metrics.Collector,
	otelProvider *metrics.Provider,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		cfg:       cfg,
		clock:     clock,
		roles:     activationOrder,
		budget:    budget,
		collector: collector,
		otel:      otelProvider,
		logger:    logger,
	}
}

// Run executes ticks until a stop condition fires. The returned error is
// non-nil only for run-scoped failures; the stop reason is always set.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	idleCycles := 0
	stopReason := StopMaxTicks

	for o.clock.Tick() < o.cfg.Loop.MaxTicks {
		tick := o.clock.advance()

		maintenance, err := o.store.MaintainStatus(tick)
		if err != nil {
			return StopFatalError, fmt.Errorf("tick %d maintenance: %w", tick, err)
		}
		if len(maintenance.TTLReleased) > 0 || len(maintenance.RetryRequeued) > 0 {
			o.logger.Info("tick maintenance",
				"tick", tick,
				"ttl_released", maintenance.TTLReleased,
				"retry_requeued", maintenance.RetryRequeued)
		}

		if err := o.store.ApplyDecay(pheromone.MapTasks); err != nil {
			return StopFatalError, fmt.Errorf("tick %d intensity decay: %w", tick, err)
		}
		if err := o.store.ApplyInhibitionDecay(); err != nil {
			return StopFatalError, fmt.Errorf("tick %d inhibition decay: %w", tick, err)
		}

		// Strictly sequential activation: each role's view reflects every
		// deposit of the roles before it this tick.
		acted := map[string]bool{}
		for _, role := range o.roles {
			didAct, err := role.Run(ctx)
			if err != nil {
				o.recordTick(ctx, tick, acted)
				return StopFatalError, fmt.Errorf("tick %d role %s: %w", tick, role.Name(), err)
			}
			acted[role.Name()] = didAct
		}

		statusEntries, err := o.store.ReadAll(pheromone.MapStatus)
		if err != nil {
			return StopFatalError, fmt.Errorf("tick %d status read: %w", tick, err)
		}
		if err := o.collector.RecordTick(tick, acted, statusEntries,
			o.budget.TotalTokensUsed(), o.budget.TotalCostUSD()); err != nil {
			return StopFatalError, fmt.Errorf("tick %d metrics: %w", tick, err)
		}
		if o.otel != nil {
			rows := o.collector.TickRows()
			o.otel.RecordTick(ctx, rows[len(rows)-1])
		}

		anyActed := false
		for _, didAct := range acted {
			anyActed = anyActed || didAct
		}
		if anyActed {
			idleCycles = 0
		} else {
			idleCycles++
		}

		if allTerminal(statusEntries) {
			stopReason = StopAllTerminal
			break
		}
		if o.budgetExhausted() {
			stopReason = StopBudgetExhausted
			break
		}
		if idleCycles >= o.cfg.Loop.IdleCyclesToStop {
			stopReason = StopIdleCycles
			break
		}
		if ctx.Err() != nil {
			return StopFatalError, ctx.Err()
		}
	}

	return stopReason, nil
}

func (o *Orchestrator) budgetExhausted() bool {
	if o.budget.TotalTokensUsed() >= o.cfg.Budgets.MaxTokensTotal {
		return true
	}
	if o.cfg.Budgets.MaxBudgetUSD > 0 && o.budget.TotalCostUSD() >= o.cfg.Budgets.MaxBudgetUSD {
		return true
	}
	return false
}

// recordTick is the best-effort metrics flush on the fatal-error path.
func (o *Orchestrator) recordTick(ctx context.Context, tick int, acted map[string]bool) {
	statusEntries, err := o.store.ReadAll(pheromone.MapStatus)
	if err != nil {
		return
	}
	_ = o.collector.RecordTick(tick, acted, statusEntries,
		o.budget.TotalTokensUsed(), o.budget.TotalCostUSD())
	if o.otel != nil {
		rows := o.collector.TickRows()
		if len(rows) > 0 {
			o.otel.RecordTick(ctx, rows[len(rows)-1])
		}
	}
}

// allTerminal is true when every discovered file is loop-terminal. An empty
// medium is not terminal; the idle-cycle gate covers runs that never find
// work.
func allTerminal(statusEntries map[string]pheromone.Entry) bool {
	if len(statusEntries) == 0 {
		return false
	}
	for _, entry := range statusEntries {
		if !pheromone.LoopTerminalStatuses[pheromone.StatusOf(entry)] {
			return false
		}
	}
	return true
}
