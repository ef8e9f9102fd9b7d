package lifecycle

import (
	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

// replacementEpsilon absorbs float noise when comparing confidence deltas.
const replacementEpsilon = 1e-9

// TierMultiplier scales the stock allocation by signal confidence.
func TierMultiplier(cfg config.PositionsConfig, confidence float64) float64 {
	switch {
	case confidence < cfg.LowTierCeiling:
		return cfg.LowTierMultiplier
	case confidence < cfg.MidTierCeiling:
		return cfg.MidTierMultiplier
	default:
		return cfg.HighTierMultiplier
	}
}

// Allocation is the dollar budget of a new position, clamped to the per-position bounds.
func Allocation(cfg config.PositionsConfig, inst models.InstrumentType, confidence float64, portfolioValue decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat(cfg.OptionAllocationPct)
	if inst == models.InstrumentStock {
		pct = decimal.NewFromFloat(cfg.StockBaseAllocationPct).Mul(decimal.NewFromFloat(TierMultiplier(cfg, confidence)))
	}
	pct = decimal.Max(decimal.NewFromFloat(cfg.MinPositionPct), decimal.Min(decimal.NewFromFloat(cfg.MaxPositionPct), pct))
	return portfolioValue.Mul(pct)
}

// Units converts an allocation into whole shares or contracts at price.
func Units(allocation, price decimal.Decimal, inst models.InstrumentType) int64 {
	unitCost := price.Mul(inst.Multiplier())
	if !unitCost.IsPositive() {
		return 0
	}
	return allocation.Div(unitCost).Floor().IntPart()
}

// Levels returns the initial stop and target for an entry price.
func Levels(cfg config.TradingConfig, inst models.InstrumentType, entry decimal.Decimal) (stop, target decimal.Decimal) {
	stopPct, targetPct := cfg.StockExits.StopLossPct, cfg.StockExits.TakeProfitPct
	if inst == models.InstrumentOption {
		stopPct, targetPct = cfg.OptionExits.StopLossPct, cfg.OptionExits.TakeProfitPct
	}
	one := decimal.NewFromInt(1)
	stop = entry.Mul(one.Sub(decimal.NewFromFloat(stopPct)))
	target = entry.Mul(one.Add(decimal.NewFromFloat(targetPct)))
	return stop, target
}

// ShouldReplace decides whether a new signal may evict the weakest open position.
// The confidence gap must exceed the minimum delta and the incumbent must not be
// sitting on more than the maximum gain.
func ShouldReplace(cfg config.PositionsConfig, newConfidence, incumbentConfidence float64, incumbentGain decimal.Decimal) bool {
	if newConfidence-incumbentConfidence <= cfg.ReplacementMinDelta+replacementEpsilon {
		return false
	}
	return incumbentGain.LessThanOrEqual(decimal.NewFromFloat(cfg.ReplacementMaxGainPct))
}

// weakest returns the open position with the lowest confidence, oldest first on ties.
func weakest(open []*models.Position) *models.Position {
	var out *models.Position
	for _, p := range open {
		if out == nil || p.Confidence < out.Confidence {
			out = p
		}
	}
	return out
}
