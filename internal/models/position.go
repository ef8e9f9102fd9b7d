package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a paper holding in one portfolio originated by one signal.
// Remaining quantity and realized figures are a projection of its exits.
type Position struct {
	ID                 string           `json:"id"`
	PortfolioID        string           `json:"portfolio_id"`
	SignalID           string           `json:"signal_id"`
	Ticker             string           `json:"ticker"`
	InstrumentType     InstrumentType   `json:"instrument_type"`
	Direction          Direction        `json:"direction"`
	Symbol             string           `json:"symbol"`
	OptionType         OptionType       `json:"option_type,omitempty"`
	Strike             decimal.Decimal  `json:"strike"`
	Expiry             *time.Time       `json:"expiry,omitempty"`
	EntryPrice         decimal.Decimal  `json:"entry_price"`
	Quantity           int64            `json:"quantity"`
	RemainingQuantity  int64            `json:"remaining_quantity"`
	PositionSize       decimal.Decimal  `json:"position_size"`
	StopPrice          decimal.Decimal  `json:"stop_price"`
	TargetPrice        decimal.Decimal  `json:"target_price"`
	PeakPrice          decimal.Decimal  `json:"peak_price"`
	TrailingStopActive bool             `json:"trailing_stop_active"`
	PartialExitTaken   bool             `json:"partial_exit_taken"`
	Confidence         float64          `json:"confidence"`
	Status             InstrumentStatus `json:"status"`
	OpenedAt           time.Time        `json:"opened_at"`
	LastCheckedAt      time.Time        `json:"last_checked_at"`
	LastPrice          decimal.Decimal  `json:"last_price"`
	ExitDate           *time.Time       `json:"exit_date,omitempty"`
	HoldDays           *int             `json:"hold_days,omitempty"`
	RealizedPnL        decimal.Decimal  `json:"realized_pnl"`
	RealizedReturnPct  *decimal.Decimal `json:"realized_return_pct,omitempty"`
	Exits              []Exit           `json:"exits,omitempty"`
}

var _ Monitored = (*Position)(nil)

func (p *Position) MonitoredID() string { return p.ID }

func (p *Position) MonitorState() MonitorState {
	return MonitorState{
		InstrumentType:     p.InstrumentType,
		Symbol:             p.Symbol,
		EntryPrice:         p.EntryPrice,
		StopPrice:          p.StopPrice,
		TargetPrice:        p.TargetPrice,
		PeakPrice:          p.PeakPrice,
		Quantity:           p.Quantity,
		RemainingQuantity:  p.RemainingQuantity,
		TrailingStopActive: p.TrailingStopActive,
		PartialExitTaken:   p.PartialExitTaken,
		OpenedAt:           p.OpenedAt,
		LastCheckedAt:      p.LastCheckedAt,
		Expiry:             p.Expiry,
	}
}

func (p *Position) ApplyMonitorState(s MonitorState) {
	p.StopPrice = s.StopPrice
	p.PeakPrice = s.PeakPrice
	p.RemainingQuantity = s.RemainingQuantity
	p.TrailingStopActive = s.TrailingStopActive
	p.PartialExitTaken = s.PartialExitTaken
	p.LastCheckedAt = s.LastCheckedAt
}

// IsOpen reports whether any quantity remains.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen && p.RemainingQuantity > 0
}

// MarketValue marks the remaining quantity at price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.RemainingQuantity)).Mul(p.InstrumentType.Multiplier())
}

// UnrealizedGainPct is the percentage move of price against entry.
func (p *Position) UnrealizedGainPct(price decimal.Decimal) decimal.Decimal {
	return GainPct(p.EntryPrice, price)
}
