// Package marketdata defines the quote, candle and option-chain contracts the engines consume,
// an HTTP implementation, and a resilience wrapper around any provider.
package marketdata

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks transient upstream failures that are worth retrying.
	ErrUnavailable = errors.New("market data unavailable")
	// ErrNotFound means the upstream does not know the symbol.
	ErrNotFound = errors.New("symbol not found")
)

// Quote is the latest price for a stock or an option contract.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	At     time.Time       `json:"timestamp"`
}

// Mark is mid(bid, ask) when both sides are quoted, else the last price.
func (q Quote) Mark() decimal.Decimal {
	return midOrLast(q.Bid, q.Ask, q.Price)
}

// PriceFor is the traded price for stocks and the mark for option contracts.
func (q Quote) PriceFor(inst models.InstrumentType) decimal.Decimal {
	if inst == models.InstrumentOption || !q.Price.IsPositive() {
		return q.Mark()
	}
	return q.Price
}

// Candle is one OHLC bar. Daily bars use midnight of the session date.
type Candle struct {
	Start time.Time       `json:"t"`
	Open  decimal.Decimal `json:"o"`
	High  decimal.Decimal `json:"h"`
	Low   decimal.Decimal `json:"l"`
	Close decimal.Decimal `json:"c"`
}

// OptionContract is one listed strike/expiry of a chain.
type OptionContract struct {
	Symbol     string            `json:"symbol"`
	Underlying string            `json:"underlying"`
	Type       models.OptionType `json:"type"`
	Strike     decimal.Decimal   `json:"strike"`
	Expiry     time.Time         `json:"expiry"`
	Bid        decimal.Decimal   `json:"bid"`
	Ask        decimal.Decimal   `json:"ask"`
	Last       decimal.Decimal   `json:"last"`
	Delta      float64           `json:"delta"`
}

// Premium is the entry price used for a contract.
func (c OptionContract) Premium() decimal.Decimal {
	return midOrLast(c.Bid, c.Ask, c.Last)
}

// Chain is the option chain of one underlying.
type Chain struct {
	Underlying      string           `json:"underlying"`
	UnderlyingPrice decimal.Decimal  `json:"underlying_price"`
	Contracts       []OptionContract `json:"contracts"`
	AsOf            time.Time        `json:"as_of"`
}

// Expirations lists distinct expiry dates, ascending.
func (c Chain) Expirations() []time.Time {
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, k := range c.Contracts {
		if !seen[k.Expiry] {
			seen[k.Expiry] = true
			out = append(out, k.Expiry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Provider is the live market data collaborator. Quote accepts stock tickers and
// OCC option symbols alike.
type Provider interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	IntradayCandles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error)
	OptionChain(ctx context.Context, underlying string) (Chain, error)
}

// HistoricalProvider serves daily bars for gaps longer than the intraday window.
// from and to are inclusive calendar dates.
type HistoricalProvider interface {
	DailyBars(ctx context.Context, symbol, from, to string) ([]Candle, error)
}

func midOrLast(bid, ask, last decimal.Decimal) decimal.Decimal {
	if bid.IsPositive() && ask.IsPositive() && ask.GreaterThanOrEqual(bid) {
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	}
	return last
}
