// Package marketdatatest provides an in-memory market data provider for tests.
package marketdatatest

import (
	"context"
	"sync"
	"time"

	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/shopspring/decimal"
)

// Provider serves canned quotes, candles, bars and chains. Unknown symbols return
// marketdata.ErrNotFound; symbols registered with Fail return that error.
type Provider struct {
	mu      sync.Mutex
	quotes  map[string]marketdata.Quote
	candles map[string][]marketdata.Candle
	bars    map[string][]marketdata.Candle
	chains  map[string]marketdata.Chain
	errs    map[string]error
	calls   map[string]int
}

var (
	_ marketdata.Provider           = (*Provider)(nil)
	_ marketdata.HistoricalProvider = (*Provider)(nil)
)

func New() *Provider {
	return &Provider{
		quotes:  make(map[string]marketdata.Quote),
		candles: make(map[string][]marketdata.Candle),
		bars:    make(map[string][]marketdata.Candle),
		chains:  make(map[string]marketdata.Chain),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// SetPrice registers a last-trade quote.
func (p *Provider) SetPrice(symbol, price string) {
	p.SetQuote(marketdata.Quote{Symbol: symbol, Price: decimal.RequireFromString(price)})
}

func (p *Provider) SetQuote(q marketdata.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
}

// SetCandles replaces the intraday series of symbol.
func (p *Provider) SetCandles(symbol string, candles ...marketdata.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = candles
}

// SetBars replaces the daily series of symbol.
func (p *Provider) SetBars(symbol string, bars ...marketdata.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = bars
}

func (p *Provider) SetChain(chain marketdata.Chain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chain.Underlying] = chain
}

// Fail makes every call for symbol return err.
func (p *Provider) Fail(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[symbol] = err
}

// Calls reports how often op ("quote", "candles", "bars", "chain") was called for symbol.
func (p *Provider) Calls(op, symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op+":"+symbol]
}

func (p *Provider) record(op, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op+":"+symbol]++
	return p.errs[symbol]
}

func (p *Provider) Quote(_ context.Context, symbol string) (marketdata.Quote, error) {
	if err := p.record("quote", symbol); err != nil {
		return marketdata.Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return marketdata.Quote{}, marketdata.ErrNotFound
	}
	return q, nil
}

func (p *Provider) IntradayCandles(_ context.Context, symbol string, from, to time.Time) ([]marketdata.Candle, error) {
	if err := p.record("candles", symbol); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	series, ok := p.candles[symbol]
	if !ok {
		return nil, marketdata.ErrNotFound
	}
	var out []marketdata.Candle
	for _, c := range series {
		if !c.Start.Before(from) && !c.Start.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Provider) DailyBars(_ context.Context, symbol, from, to string) ([]marketdata.Candle, error) {
	if err := p.record("bars", symbol); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	series, ok := p.bars[symbol]
	if !ok {
		return nil, marketdata.ErrNotFound
	}
	var out []marketdata.Candle
	for _, c := range series {
		d := c.Start.Format("2006-01-02")
		if d >= from && d <= to {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Provider) OptionChain(_ context.Context, underlying string) (marketdata.Chain, error) {
	if err := p.record("chain", underlying); err != nil {
		return marketdata.Chain{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chains[underlying]
	if !ok {
		return marketdata.Chain{}, marketdata.ErrNotFound
	}
	return c, nil
}
