package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentType selects the stock or option flavour of a portfolio or position.
type InstrumentType string

const (
	InstrumentStock  InstrumentType = "stock"
	InstrumentOption InstrumentType = "option"
)

// OptionContractMultiplier is the share count one listed option contract controls.
const OptionContractMultiplier = 100

// Multiplier returns the notional multiplier per unit of quantity.
func (t InstrumentType) Multiplier() decimal.Decimal {
	if t == InstrumentOption {
		return decimal.NewFromInt(OptionContractMultiplier)
	}
	return decimal.NewFromInt(1)
}

// Portfolio identifiers. Each is an isolated paper account.
const (
	PortfolioStockQuality    = "stock_quality"
	PortfolioStockConsensus  = "stock_consensus"
	PortfolioOptionQuality   = "option_quality"
	PortfolioOptionConsensus = "option_consensus"
)

// PortfolioID derives the account id for an instrument and signal type pair.
func PortfolioID(instrument InstrumentType, signalType SignalType) string {
	return string(instrument) + "_" + string(signalType)
}

// Portfolio is one paper account with its own cash and position slots.
type Portfolio struct {
	ID              string          `json:"id"`
	InstrumentType  InstrumentType  `json:"instrument_type"`
	SignalType      SignalType      `json:"signal_type"`
	StartingCapital decimal.Decimal `json:"starting_capital"`
	CashAvailable   decimal.Decimal `json:"cash_available"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	MaxPositions    int             `json:"max_positions"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ValueOrCapital returns the marked value, falling back to starting capital before the
// first valuation.
func (p *Portfolio) ValueOrCapital() decimal.Decimal {
	if p.CurrentValue.IsPositive() {
		return p.CurrentValue
	}
	return p.StartingCapital
}

// SeedPortfolios builds the four paper accounts with identical capital and capacity.
func SeedPortfolios(capital decimal.Decimal, maxPositions int, now time.Time) []Portfolio {
	var out []Portfolio
	for _, inst := range []InstrumentType{InstrumentStock, InstrumentOption} {
		for _, st := range []SignalType{SignalTypeQuality, SignalTypeConsensus} {
			out = append(out, Portfolio{
				ID:              PortfolioID(inst, st),
				InstrumentType:  inst,
				SignalType:      st,
				StartingCapital: capital,
				CashAvailable:   capital,
				CurrentValue:    capital,
				MaxPositions:    maxPositions,
				UpdatedAt:       now,
			})
		}
	}
	return out
}
