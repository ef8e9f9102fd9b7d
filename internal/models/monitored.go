package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MonitorState is the exit-relevant projection shared by positions and predictions.
type MonitorState struct {
	InstrumentType     InstrumentType  `json:"instrument_type"`
	Symbol             string          `json:"symbol"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	StopPrice          decimal.Decimal `json:"stop_price"`
	TargetPrice        decimal.Decimal `json:"target_price"`
	PeakPrice          decimal.Decimal `json:"peak_price"`
	Quantity           int64           `json:"quantity"`
	RemainingQuantity  int64           `json:"remaining_quantity"`
	TrailingStopActive bool            `json:"trailing_stop_active"`
	PartialExitTaken   bool            `json:"partial_exit_taken"`
	OpenedAt           time.Time       `json:"opened_at"`
	LastCheckedAt      time.Time       `json:"last_checked_at"`
	Expiry             *time.Time      `json:"expiry,omitempty"`
}

// Monitored is implemented by every instrument the exit engine evaluates.
type Monitored interface {
	MonitoredID() string
	MonitorState() MonitorState
	ApplyMonitorState(MonitorState)
}

// ExitReason labels why a slice of an instrument was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTimeStop     ExitReason = "time_stop"
	ExitExpiration   ExitReason = "expiration"
	ExitReplaced     ExitReason = "replaced"
	ExitManual       ExitReason = "manual"
)

// InstrumentStatus is the lifecycle state of a position or prediction.
type InstrumentStatus string

const (
	StatusOpen   InstrumentStatus = "open"
	StatusClosed InstrumentStatus = "closed"
)

// OptionType is call or put.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// OptionTypeFor picks calls for bullish views and puts for bearish ones.
func OptionTypeFor(d Direction) OptionType {
	if d == DirectionBearish {
		return OptionPut
	}
	return OptionCall
}

// Exit is one append-only closure slice of a position or prediction.
type Exit struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Reason      ExitReason      `json:"reason"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExitedAt    time.Time       `json:"exited_at"`
	Note        string          `json:"note,omitempty"`
}

// HoldDays counts calendar days between two instants in loc.
func HoldDays(opened, at time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	o := opened.In(loc)
	a := at.In(loc)
	od := time.Date(o.Year(), o.Month(), o.Day(), 0, 0, 0, 0, time.UTC)
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	return int(ad.Sub(od).Hours() / 24)
}

// GainPct returns (price-entry)/entry, or zero when entry is not positive.
func GainPct(entry, price decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(entry).Div(entry)
}

// DaysToExpiry counts calendar days from the market date of now to the expiry date.
// Expiries are calendar dates, so only their year, month and day are read.
func DaysToExpiry(expiry, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	exp := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(exp.Sub(today).Hours() / 24)
}
