package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prediction is a cash-neutral shadow option held on behalf of one comment's author.
type Prediction struct {
	ID                 string           `json:"id"`
	CommentID          string           `json:"comment_id"`
	AuthorID           string           `json:"author_id"`
	Ticker             string           `json:"ticker"`
	Direction          Direction        `json:"direction"`
	Symbol             string           `json:"symbol"`
	OptionType         OptionType       `json:"option_type"`
	Strike             decimal.Decimal  `json:"strike"`
	Expiry             *time.Time       `json:"expiry,omitempty"`
	EntryPrice         decimal.Decimal  `json:"entry_price"`
	Quantity           int64            `json:"quantity"`
	RemainingQuantity  int64            `json:"remaining_quantity"`
	StopPrice          decimal.Decimal  `json:"stop_price"`
	TargetPrice        decimal.Decimal  `json:"target_price"`
	PeakPrice          decimal.Decimal  `json:"peak_price"`
	TrailingStopActive bool             `json:"trailing_stop_active"`
	PartialExitTaken   bool             `json:"partial_exit_taken"`
	Status             InstrumentStatus `json:"status"`
	OpenedAt           time.Time        `json:"opened_at"`
	LastCheckedAt      time.Time        `json:"last_checked_at"`
	ExitDate           *time.Time       `json:"exit_date,omitempty"`
	HoldDays           *int             `json:"hold_days,omitempty"`
	RealizedPnL        decimal.Decimal  `json:"realized_pnl"`
	TotalReturnPct     *decimal.Decimal `json:"total_return_pct,omitempty"`
	IsCorrect          *bool            `json:"is_correct,omitempty"`
	ManualOverride     *bool            `json:"manual_override,omitempty"`
	TrustApplied       bool             `json:"trust_applied"`
}

var _ Monitored = (*Prediction)(nil)

func (p *Prediction) MonitoredID() string { return p.ID }

func (p *Prediction) MonitorState() MonitorState {
	return MonitorState{
		InstrumentType:     InstrumentOption,
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

func (p *Prediction) ApplyMonitorState(s MonitorState) {
	p.StopPrice = s.StopPrice
	p.PeakPrice = s.PeakPrice
	p.RemainingQuantity = s.RemainingQuantity
	p.TrailingStopActive = s.TrailingStopActive
	p.PartialExitTaken = s.PartialExitTaken
	p.LastCheckedAt = s.LastCheckedAt
}

// CostBasis is the notional premium paid at entry.
func (p *Prediction) CostBasis() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(p.Quantity)).Mul(InstrumentOption.Multiplier())
}

// Resolve decides correctness from the realized return unless an override is set.
func (p *Prediction) Resolve(totalReturn decimal.Decimal) bool {
	if p.ManualOverride != nil {
		return *p.ManualOverride
	}
	return totalReturn.IsPositive()
}

// PredictionOutcome is a resolved prediction queued for trust feedback.
type PredictionOutcome struct {
	PredictionID string
	AuthorID     string
	IsCorrect    bool
}
