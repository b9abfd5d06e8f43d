package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dragonflyic/agent-grid/pkg/store"
)

// costPerThousandTokensUSD is a rough blended estimate used only to turn
// max_cost_per_day_usd into a token ceiling; it is not a billing figure.
const costPerThousandTokensUSD = 0.01

// BudgetManager enforces the concurrency and daily token/cost ceilings
// that gate every launch (spec.md §4.4 invariant I4 and §12).
type BudgetManager struct {
	store                   *store.PostgresStore
	maxConcurrentExecutions int
	maxTokensPerRun         int
	maxCostPerDayUSD        float64
}

// NewBudgetManager constructs a BudgetManager bound to a store.
func NewBudgetManager(s *store.PostgresStore, maxConcurrentExecutions, maxTokensPerRun int, maxCostPerDayUSD float64) *BudgetManager {
	return &BudgetManager{
		store:                   s,
		maxConcurrentExecutions: maxConcurrentExecutions,
		maxTokensPerRun:         maxTokensPerRun,
		maxCostPerDayUSD:        maxCostPerDayUSD,
	}
}

// CanLaunch reports whether a new launch is allowed right now, and why not
// if it isn't. This is the pre-claim check in I4; the DB claim itself is
// still the sole source of truth and may independently reject a launch.
func (b *BudgetManager) CanLaunch(ctx context.Context) (bool, string, error) {
	running, err := b.store.GetRunningExecutions(ctx)
	if err != nil {
		return false, "", fmt.Errorf("orchestrator: budget: count running executions: %w", err)
	}
	pending, err := b.store.ListExecutions(ctx, store.ExecutionFilters{Status: statusPtr(store.StatusPending)})
	if err != nil {
		return false, "", fmt.Errorf("orchestrator: budget: count pending executions: %w", err)
	}
	if len(running)+len(pending) >= b.maxConcurrentExecutions {
		return false, fmt.Sprintf("max concurrent executions (%d) reached", b.maxConcurrentExecutions), nil
	}

	usage, err := b.store.GetTotalBudgetUsage(ctx, dayStart())
	if err != nil {
		return false, "", fmt.Errorf("orchestrator: budget: get usage: %w", err)
	}
	maxTokensPerDay := int(b.maxCostPerDayUSD / costPerThousandTokensUSD * 1000)
	if usage.TokensUsed >= maxTokensPerDay {
		return false, fmt.Sprintf("daily token budget (~$%.2f) exhausted", b.maxCostPerDayUSD), nil
	}

	return true, "", nil
}

// Status reports current concurrency and spend, for the admin API.
type Status struct {
	ConcurrentExecutions int
	MaxConcurrent        int
	TokensUsedToday      int
	DurationSecondsToday int
}

func (b *BudgetManager) Status(ctx context.Context) (Status, error) {
	running, err := b.store.GetRunningExecutions(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("orchestrator: budget: status: %w", err)
	}
	usage, err := b.store.GetTotalBudgetUsage(ctx, dayStart())
	if err != nil {
		return Status{}, fmt.Errorf("orchestrator: budget: status: %w", err)
	}
	return Status{
		ConcurrentExecutions: len(running),
		MaxConcurrent:        b.maxConcurrentExecutions,
		TokensUsedToday:      usage.TokensUsed,
		DurationSecondsToday: usage.DurationSeconds,
	}, nil
}

func dayStart() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func statusPtr(s store.ExecutionStatus) *store.ExecutionStatus { return &s }
