package resultstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/mlcore/internal/errs"
)

const budgetCacheTTL = 30 * time.Second

// BudgetLimits configures one service's spending caps. A limit of 0 means
// that window's cap is disabled. Strict turns a refusal into an error;
// otherwise a refusal is logged and the call is allowed through.
type BudgetLimits struct {
	Service     string
	HourlyLimit float64
	DailyLimit  float64
	Strict      bool
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision struct {
	Allowed     bool
	Reason      string
	HourlyUsed  float64
	HourlyLimit float64
	DailyUsed   float64
	DailyLimit  float64
}

type cachedSpend struct {
	hourly    float64
	daily     float64
	expiresAt time.Time
}

// BudgetChecker validates per-service hourly/daily spending limits against
// the cost ledger. It uses a short in-memory cache (30s TTL) to avoid
// hitting the DB on every request. The budget check is an optimisation,
// not the system of record: a storage error fails open with a warning.
type BudgetChecker struct {
	store  *Store
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSpend // service -> cached spend
}

// NewBudgetChecker creates a BudgetChecker reading from s.
func NewBudgetChecker(s *Store, logger *slog.Logger) *BudgetChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetChecker{
		store:  s,
		logger: logger,
		clock:  time.Now,
		cache:  make(map[string]cachedSpend),
	}
}

// CheckBudget verifies that spending estimatedUSD on limits.Service would
// not breach its hourly or daily cap. In strict mode a refusal returns a
// *errs.BudgetExceededError; otherwise the refusal is logged and the
// decision comes back Allowed with the reason preserved.
func (bc *BudgetChecker) CheckBudget(ctx context.Context, limits BudgetLimits, estimatedUSD float64) (BudgetDecision, error) {
	d := BudgetDecision{
		Allowed:     true,
		HourlyLimit: limits.HourlyLimit,
		DailyLimit:  limits.DailyLimit,
	}
	if limits.HourlyLimit <= 0 && limits.DailyLimit <= 0 {
		return d, nil
	}

	hourly, daily, err := bc.getSpend(ctx, limits.Service)
	if err != nil {
		bc.logger.Warn("budget check failed, allowing",
			slog.String("service", limits.Service), slog.Any("error", err))
		return d, nil
	}
	d.HourlyUsed = hourly
	d.DailyUsed = daily

	var exceeded *errs.BudgetExceededError
	switch {
	case limits.HourlyLimit > 0 && hourly+estimatedUSD > limits.HourlyLimit:
		d.Reason = "hourly budget exceeded"
		exceeded = &errs.BudgetExceededError{
			Window: "hourly", Used: hourly, Limit: limits.HourlyLimit, EstimatedUSD: estimatedUSD,
		}
	case limits.DailyLimit > 0 && daily+estimatedUSD > limits.DailyLimit:
		d.Reason = "daily budget exceeded"
		exceeded = &errs.BudgetExceededError{
			Window: "daily", Used: daily, Limit: limits.DailyLimit, EstimatedUSD: estimatedUSD,
		}
	}
	if exceeded == nil {
		return d, nil
	}

	if limits.Strict {
		d.Allowed = false
		return d, exceeded
	}
	bc.logger.Warn("budget would be exceeded, allowing (strict mode off)",
		slog.String("service", limits.Service),
		slog.String("window", exceeded.Window),
		slog.Float64("used", exceeded.Used),
		slog.Float64("limit", exceeded.Limit),
		slog.Float64("estimated_usd", estimatedUSD))
	return d, nil
}

// Remaining reports how much budget is left in each window, for the
// budget-remaining gauges. Disabled windows report -1.
func (bc *BudgetChecker) Remaining(ctx context.Context, limits BudgetLimits) (hourly, daily float64, err error) {
	h, d, err := bc.getSpend(ctx, limits.Service)
	if err != nil {
		return 0, 0, err
	}
	hourly, daily = -1, -1
	if limits.HourlyLimit > 0 {
		hourly = limits.HourlyLimit - h
	}
	if limits.DailyLimit > 0 {
		daily = limits.DailyLimit - d
	}
	return hourly, daily, nil
}

func (bc *BudgetChecker) getSpend(ctx context.Context, service string) (float64, float64, error) {
	bc.mu.RLock()
	if cached, ok := bc.cache[service]; ok && bc.clock().Before(cached.expiresAt) {
		bc.mu.RUnlock()
		return cached.hourly, cached.daily, nil
	}
	bc.mu.RUnlock()

	hourly, daily, err := bc.store.CostTotals(ctx, service)
	if err != nil {
		return 0, 0, err
	}

	bc.mu.Lock()
	bc.cache[service] = cachedSpend{
		hourly:    hourly,
		daily:     daily,
		expiresAt: bc.clock().Add(budgetCacheTTL),
	}
	bc.mu.Unlock()

	return hourly, daily, nil
}

// InvalidateCache removes the cached spend for a service. Call after
// recording a cost so the next check is fresh.
func (bc *BudgetChecker) InvalidateCache(service string) {
	bc.mu.Lock()
	delete(bc.cache, service)
	bc.mu.Unlock()
}
