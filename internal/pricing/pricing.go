package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
)

// daysPerTerm maps plan length in months to the access it buys.
var daysPerTerm = map[int]int{1: 30, 3: 90, 6: 180, 12: 365}

func PlanID(months int) string {
	if months == 1 {
		return "1_month"
	}
	return fmt.Sprintf("%d_months", months)
}

func planName(months int) string {
	if months == 1 {
		return "1 month"
	}
	return fmt.Sprintf("%d months", months)
}

// Catalog builds the plan list from per-term prices in minor units. Terms
// without a known duration are ignored.
func Catalog(prices map[int]int64, currency string) []types.Plan {
	months := make([]int, 0, len(prices))
	for m := range prices {
		if _, ok := daysPerTerm[m]; ok {
			months = append(months, m)
		}
	}
	sort.Ints(months)

	plans := make([]types.Plan, 0, len(months))
	for _, m := range months {
		plans = append(plans, types.Plan{
			ID:           PlanID(m),
			Name:         planName(m),
			PriceMinor:   prices[m],
			Currency:     currency,
			DurationDays: daysPerTerm[m],
		})
	}
	return plans
}

const versionSep = "_v"

// VersionedID names version n of a plan. Version 1 is the bare id.
func VersionedID(base string, n int) string {
	if n <= 1 {
		return base
	}
	return base + versionSep + strconv.Itoa(n)
}

// SplitVersion is the inverse of VersionedID.
func SplitVersion(id string) (base string, n int) {
	i := strings.LastIndex(id, versionSep)
	if i <= 0 {
		return id, 1
	}
	v, err := strconv.Atoi(id[i+len(versionSep):])
	if err != nil || v < 2 || strconv.Itoa(v) != id[i+len(versionSep):] {
		return id, 1
	}
	return id[:i], v
}

// Current keeps the latest version of every plan, in input order.
func Current(plans []types.Plan) []types.Plan {
	latest := make(map[string]int, len(plans))
	for _, p := range plans {
		base, n := SplitVersion(p.ID)
		if n > latest[base] {
			latest[base] = n
		}
	}
	out := make([]types.Plan, 0, len(latest))
	for _, p := range plans {
		base, n := SplitVersion(p.ID)
		if latest[base] == n {
			out = append(out, p)
		}
	}
	return out
}

// PlanStore is the ledger capability Sync needs.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	SavePlan(ctx context.Context, p types.Plan) error
}

// latestVersion returns the newest stored version of base, or 0 if none.
func latestVersion(ctx context.Context, ledger PlanStore, base string) (int, *types.Plan, error) {
	var (
		n      int
		latest *types.Plan
	)
	for v := 1; ; v++ {
		p, err := ledger.GetPlan(ctx, VersionedID(base, v))
		if errors.Is(err, types.ErrNotFound) {
			return n, latest, nil
		}
		if err != nil {
			return 0, nil, err
		}
		n, latest = v, p
	}
}

// Sync writes the catalog to the ledger. Terms of a plan that was already
// sold never change: a new price or duration becomes the next version of the
// plan, and subscriptions keep the version they bought.
func Sync(ctx context.Context, ledger PlanStore, plans []types.Plan) error {
	for _, p := range plans {
		base, _ := SplitVersion(p.ID)
		n, latest, err := latestVersion(ctx, ledger, base)
		if err != nil {
			return fmt.Errorf("load plan %s: %w", base, err)
		}
		target := p
		target.ID = VersionedID(base, max(n, 1))
		err = ledger.SavePlan(ctx, target)
		if errors.Is(err, types.ErrPlanImmutable) {
			target.ID = VersionedID(base, n+1)
			log.Info().
				Str("plan_id", latest.ID).
				Str("new_plan_id", target.ID).
				Int64("price", target.PriceMinor).
				Msg("Plan terms changed after sale; publishing a new version")
			err = ledger.SavePlan(ctx, target)
		}
		if err != nil {
			return fmt.Errorf("save plan %s: %w", target.ID, err)
		}
	}
	return nil
}
