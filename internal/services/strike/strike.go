// Package strike picks the option contract used by option positions and shadow predictions.
package strike

import (
	"errors"
	"math"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoExpiration means no listed expiry falls inside the DTE window.
	ErrNoExpiration = errors.New("no expiration in window")
	// ErrNoStrike means no contract of the chosen expiry has an acceptable delta.
	ErrNoStrike = errors.New("no strike with acceptable delta")
)

// Selection is the chosen contract and its entry premium.
type Selection struct {
	Contract marketdata.OptionContract
	DTE      int
	Premium  decimal.Decimal
}

// Symbol returns the contract symbol, deriving the OCC form when the chain omits it.
func (s Selection) Symbol() string {
	if s.Contract.Symbol != "" {
		return s.Contract.Symbol
	}
	return marketdata.OCCSymbol(s.Contract.Underlying, s.Contract.Expiry, s.Contract.Type, s.Contract.Strike)
}

// Select chooses the expiry closest to the target DTE (ties go to the later one) and,
// within it, the contract of the right type whose |delta| is closest to the target.
func Select(chain marketdata.Chain, direction models.Direction, now time.Time, loc *time.Location, cfg config.StrikeConfig) (Selection, error) {
	var (
		expiry  time.Time
		bestDTE = -1
	)
	for _, exp := range chain.Expirations() {
		dte := models.DaysToExpiry(exp, now, loc)
		if dte < cfg.MinDTE || dte > cfg.MaxDTE {
			continue
		}
		if bestDTE < 0 || closer(dte, bestDTE, cfg.TargetDTE) {
			expiry, bestDTE = exp, dte
		}
	}
	if bestDTE < 0 {
		return Selection{}, ErrNoExpiration
	}

	want := models.OptionTypeFor(direction)
	var (
		best     *marketdata.OptionContract
		bestDist = math.Inf(1)
	)
	for i := range chain.Contracts {
		c := &chain.Contracts[i]
		if !c.Expiry.Equal(expiry) || c.Type != want || !c.Premium().IsPositive() {
			continue
		}
		delta := math.Abs(c.Delta)
		if delta < cfg.MinDelta || delta > cfg.MaxDelta {
			continue
		}
		if dist := math.Abs(delta - cfg.TargetDelta); dist < bestDist {
			best, bestDist = c, dist
		}
	}
	if best == nil {
		return Selection{}, ErrNoStrike
	}
	sel := Selection{Contract: *best, DTE: bestDTE, Premium: best.Premium()}
	if sel.Contract.Underlying == "" {
		sel.Contract.Underlying = chain.Underlying
	}
	return sel, nil
}

// closer reports whether a beats b as the expiry nearest target; equal distance prefers the later one.
func closer(a, b, target int) bool {
	da, db := abs(a-target), abs(b-target)
	if da != db {
		return da < db
	}
	return a > b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
