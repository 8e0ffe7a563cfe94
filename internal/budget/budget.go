// Package budget tracks rolling daily spend against global and per-user
// ceilings. Counters live in the external store keyed by UTC calendar date,
// so a new day implicitly starts both at zero with no reset logic.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"costgate/internal/core"
	"costgate/internal/kvstore"
)

const (
	// keyTTL keeps day counters around past midnight for reporting, then
	// lets the store expire them.
	keyTTL = 48 * time.Hour

	// warnPercent is the utilization at which approvals start logging warnings.
	warnPercent = 80.0
)

// Config holds the daily spend ceilings in USD.
type Config struct {
	GlobalDailyMax float64
	UserDailyMax   float64
}

// Governor enforces the daily budgets. It exclusively owns BudgetState.
//
// The global and per-user increments are two independent read-then-write
// updates: a crash between them under-counts the user total but never the
// global total. This is an accepted approximation, not a transaction.
type Governor struct {
	store kvstore.Store
	cfg   Config
	now   func() time.Time
}

// New creates a Governor over the given store.
func New(store kvstore.Store, cfg Config) *Governor {
	return &Governor{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (g *Governor) globalKey() string {
	return "budget:daily:" + g.now().UTC().Format("2006-01-02")
}

func (g *Governor) userKey(userID string) string {
	return "budget:user:" + userID + ":" + g.now().UTC().Format("2006-01-02")
}

// CheckDailyBudget decides whether spending estimated more dollars is
// admissible: a request is rejected when its estimate would push the day's
// spend past a ceiling, not only once the ceiling is already exhausted.
// The global ceiling is checked first, then the per-user ceiling when
// userID is set. On the allowed path UsedPercent is relative to the global
// ceiling; on rejection it is relative to whichever ceiling triggered.
// A failed budget read defaults to allow; this permissive fallback is
// logged rather than failing the request.
func (g *Governor) CheckDailyBudget(ctx context.Context, userID string, estimated float64) core.BudgetDecision {
	if estimated < 0 {
		estimated = 0
	}

	globalSpend, ok := g.readCounter(ctx, g.globalKey())
	if !ok {
		return core.BudgetDecision{Allowed: true}
	}

	globalPct := percent(globalSpend, g.cfg.GlobalDailyMax)
	if g.cfg.GlobalDailyMax > 0 && wouldExceed(globalSpend, estimated, g.cfg.GlobalDailyMax) {
		return core.BudgetDecision{
			Allowed:     false,
			UsedPercent: globalPct,
			Reason: fmt.Sprintf("global daily budget of $%.2f would be exceeded ($%.4f spent, $%.4f estimated)",
				g.cfg.GlobalDailyMax, globalSpend, estimated),
		}
	}

	decision := core.BudgetDecision{Allowed: true, UsedPercent: globalPct}
	warnPct := globalPct

	if userID != "" && g.cfg.UserDailyMax > 0 {
		userSpend, ok := g.readCounter(ctx, g.userKey(userID))
		if ok {
			userPct := percent(userSpend, g.cfg.UserDailyMax)
			if wouldExceed(userSpend, estimated, g.cfg.UserDailyMax) {
				return core.BudgetDecision{
					Allowed:     false,
					UsedPercent: userPct,
					Reason: fmt.Sprintf("user daily budget of $%.2f would be exceeded ($%.4f spent, $%.4f estimated)",
						g.cfg.UserDailyMax, userSpend, estimated),
				}
			}
			if userPct > warnPct {
				warnPct = userPct
			}
		}
	}

	if warnPct >= warnPercent {
		slog.Warn("daily budget nearing its ceiling",
			"used_percent", fmt.Sprintf("%.1f", warnPct),
			"user_id", userID,
		)
	}

	return decision
}

// Admit is CheckDailyBudget shaped as an error for the dispatcher pipeline.
func (g *Governor) Admit(ctx context.Context, userID string, estimated float64) error {
	d := g.CheckDailyBudget(ctx, userID, estimated)
	if !d.Allowed {
		return core.NewBudgetExceededError(d.Reason)
	}
	return nil
}

// TrackSpend records realized cost against the global and per-user day
// counters. Write failures are logged; the generation already happened,
// so spend tracking must not fail it.
func (g *Governor) TrackSpend(ctx context.Context, cost float64, userID string) {
	if cost <= 0 {
		return
	}

	g.increment(ctx, g.globalKey(), cost)
	if userID != "" {
		g.increment(ctx, g.userKey(userID), cost)
	}
}

// GlobalSpend returns today's accumulated global spend.
func (g *Governor) GlobalSpend(ctx context.Context) float64 {
	spend, _ := g.readCounter(ctx, g.globalKey())
	return spend
}

// UserSpend returns today's accumulated spend for userID.
func (g *Governor) UserSpend(ctx context.Context, userID string) float64 {
	spend, _ := g.readCounter(ctx, g.userKey(userID))
	return spend
}

// readCounter returns the counter value and whether the read was usable.
// Missing keys read as zero; store errors read as unusable.
func (g *Governor) readCounter(ctx context.Context, key string) (float64, bool) {
	data, err := g.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, true
		}
		slog.Warn("budget read failed, allowing request", "key", key, "error", err)
		return 0, false
	}

	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		slog.Warn("corrupt budget counter, treating as zero", "key", key, "error", err)
		return 0, true
	}
	return v, true
}

func (g *Governor) increment(ctx context.Context, key string, cost float64) {
	current, ok := g.readCounter(ctx, key)
	if !ok {
		slog.Warn("budget counter unavailable, spend not recorded", "key", key)
		return
	}

	value := strconv.FormatFloat(current+cost, 'f', -1, 64)
	if err := g.store.Set(ctx, key, []byte(value), keyTTL); err != nil {
		slog.Warn("budget write failed, spend not recorded", "key", key, "error", err)
	}
}

func percent(spend, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return spend / max * 100
}

// wouldExceed reports whether spending estimated more breaches the ceiling.
// An exhausted ceiling rejects even a zero estimate.
func wouldExceed(spend, estimated, max float64) bool {
	return spend >= max || spend+estimated > max
}
