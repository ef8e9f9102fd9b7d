// Package exits evaluates the exit cascade for positions and shadow predictions.
package exits

import (
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

// Point is one price observation. Intraday candles, daily bars and single quotes all
// reduce to points.
type Point struct {
	At    time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// QuotePoint is a flat point at one price.
func QuotePoint(at time.Time, price decimal.Decimal) Point {
	return Point{At: at, Open: price, High: price, Low: price, Close: price}
}

// Fill is one exit decision. State is the monitor state right after the fill.
type Fill struct {
	Reason   models.ExitReason
	Quantity int64
	Price    decimal.Decimal
	At       time.Time
	State    models.MonitorState
}

// rules are the cascade parameters of one instrument type.
type rules struct {
	expirationDTE   int
	trailingFactor  decimal.Decimal
	partialFraction decimal.Decimal

	breakeven        bool
	breakevenDay     int
	breakevenGainPct decimal.Decimal

	earlyTimeDay    int
	earlyMinGainPct decimal.Decimal
	midTimeDay      int
	midMaxGainPct   decimal.Decimal
	maxHoldDays     int
}

func rulesFor(cfg config.TradingConfig, inst models.InstrumentType) rules {
	if inst == models.InstrumentOption {
		o := cfg.OptionExits
		return rules{
			expirationDTE:   o.ExpirationDTE,
			trailingFactor:  decimal.NewFromFloat(o.TrailingFactor),
			partialFraction: decimal.NewFromFloat(o.PartialFraction),
			earlyTimeDay:    -1,
			midTimeDay:      -1,
			maxHoldDays:     o.MaxHoldDays,
		}
	}
	s := cfg.StockExits
	return rules{
		expirationDTE:    -1,
		trailingFactor:   decimal.NewFromFloat(s.TrailingFactor),
		partialFraction:  decimal.NewFromFloat(s.PartialFraction),
		breakeven:        true,
		breakevenDay:     s.BreakevenDay,
		breakevenGainPct: decimal.NewFromFloat(s.BreakevenGainPct),
		earlyTimeDay:     s.EarlyTimeDay,
		earlyMinGainPct:  decimal.NewFromFloat(s.EarlyMinGainPct),
		midTimeDay:       s.MidTimeDay,
		midMaxGainPct:    decimal.NewFromFloat(s.MidMaxGainPct),
		maxHoldDays:      s.MaxHoldDays,
	}
}

// Evaluate runs the exit cascade over points in chronological order and returns the
// resulting state and fills. When the window's extremes breach no price trigger the
// points collapse into one; otherwise each point is walked and fires at most one exit.
func Evaluate(cfg config.TradingConfig, state models.MonitorState, points []Point, loc *time.Location) (models.MonitorState, []Fill) {
	if state.RemainingQuantity <= 0 || len(points) == 0 {
		return state, nil
	}
	r := rulesFor(cfg, state.InstrumentType)
	if !breaches(r, state, points) {
		points = []Point{collapse(points)}
	}

	var fills []Fill
	for _, p := range points {
		if state.RemainingQuantity <= 0 {
			break
		}
		if f, ok := step(r, &state, p, loc); ok {
			state.RemainingQuantity -= f.Quantity
			f.State = state
			fills = append(fills, f)
		}
	}
	return state, fills
}

// breaches reports whether the window crosses a price trigger. The trailing trigger
// follows the peak point by point, so a new high earlier in the window counts.
func breaches(r rules, s models.MonitorState, points []Point) bool {
	agg := collapse(points)
	if agg.Low.LessThanOrEqual(s.StopPrice) {
		return true
	}
	if !s.PartialExitTaken && agg.High.GreaterThanOrEqual(s.TargetPrice) {
		return true
	}
	if !s.TrailingStopActive {
		return false
	}
	peak := s.PeakPrice
	for _, p := range points {
		if p.Low.LessThanOrEqual(peak.Mul(r.trailingFactor)) {
			return true
		}
		peak = decimal.Max(peak, p.High)
	}
	return false
}

func collapse(points []Point) Point {
	out := Point{
		At:    points[len(points)-1].At,
		Open:  points[0].Open,
		High:  points[0].High,
		Low:   points[0].Low,
		Close: points[len(points)-1].Close,
	}
	for _, p := range points[1:] {
		out.High = decimal.Max(out.High, p.High)
		out.Low = decimal.Min(out.Low, p.Low)
	}
	return out
}

// step applies the cascade to one point. s is updated for every side effect except the
// remaining quantity, which the caller reduces by the returned fill.
func step(r rules, s *models.MonitorState, p Point, loc *time.Location) (Fill, bool) {
	fill := func(reason models.ExitReason, qty int64, price decimal.Decimal) (Fill, bool) {
		return Fill{Reason: reason, Quantity: qty, Price: price, At: p.At}, true
	}
	s.LastCheckedAt = p.At

	if r.expirationDTE >= 0 && s.Expiry != nil && models.DaysToExpiry(*s.Expiry, p.At, loc) <= r.expirationDTE {
		return fill(models.ExitExpiration, s.RemainingQuantity, p.Close)
	}

	if p.Low.LessThanOrEqual(s.StopPrice) {
		return fill(models.ExitStopLoss, s.RemainingQuantity, fillBelow(p, s.StopPrice))
	}

	if !s.PartialExitTaken && p.High.GreaterThanOrEqual(s.TargetPrice) {
		price := s.TargetPrice
		if p.Open.GreaterThan(price) {
			price = p.Open
		}
		s.PartialExitTaken = true
		s.TrailingStopActive = true
		s.PeakPrice = decimal.Max(s.PeakPrice, p.High)
		return fill(models.ExitTakeProfit, partial(s.RemainingQuantity, r.partialFraction), price)
	}

	if s.TrailingStopActive {
		trigger := s.PeakPrice.Mul(r.trailingFactor)
		if p.Low.LessThanOrEqual(trigger) {
			return fill(models.ExitTrailingStop, s.RemainingQuantity, fillBelow(p, trigger))
		}
		s.PeakPrice = decimal.Max(s.PeakPrice, p.High)
	}

	day := models.HoldDays(s.OpenedAt, p.At, loc)
	gain := models.GainPct(s.EntryPrice, p.Close)

	if r.breakeven && day >= r.breakevenDay && gain.GreaterThanOrEqual(r.breakevenGainPct) &&
		!s.PartialExitTaken && s.StopPrice.LessThan(s.EntryPrice) {
		s.StopPrice = s.EntryPrice
	}

	switch {
	case r.earlyTimeDay >= 0 && day >= r.earlyTimeDay && gain.LessThan(r.earlyMinGainPct):
		return fill(models.ExitTimeStop, s.RemainingQuantity, p.Close)
	case r.midTimeDay >= 0 && day >= r.midTimeDay && !s.PartialExitTaken &&
		gain.GreaterThanOrEqual(r.earlyMinGainPct) && gain.LessThanOrEqual(r.midMaxGainPct):
		return fill(models.ExitTimeStop, s.RemainingQuantity, p.Close)
	case day >= r.maxHoldDays:
		return fill(models.ExitTimeStop, s.RemainingQuantity, p.Close)
	}
	return Fill{}, false
}

// fillBelow fills a downside trigger at its level, or at the open when the point gapped through it.
func fillBelow(p Point, trigger decimal.Decimal) decimal.Decimal {
	if p.Open.LessThan(trigger) {
		return p.Open
	}
	return trigger
}

// partial sizes a take-profit slice: the fraction rounded down, at least one unit.
func partial(remaining int64, fraction decimal.Decimal) int64 {
	qty := decimal.NewFromInt(remaining).Mul(fraction).Floor().IntPart()
	if qty < 1 {
		qty = 1
	}
	if qty > remaining {
		qty = remaining
	}
	return qty
}
