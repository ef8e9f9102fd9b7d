package models

import (
	"github.com/shopspring/decimal"
)

// Performance aggregates the realized results of a portfolio's closed positions.
type Performance struct {
	PortfolioID   string          `json:"portfolio_id"`
	ClosedTrades  int             `json:"closed_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	AvgProfit     decimal.Decimal `json:"avg_profit"`
	AvgLoss       decimal.Decimal `json:"avg_loss"`
	ProfitFactor  decimal.Decimal `json:"profit_factor"`
	BestTrade     decimal.Decimal `json:"best_trade"`
	WorstTrade    decimal.Decimal `json:"worst_trade"`
	AvgHoldDays   decimal.Decimal `json:"avg_hold_days"`
	AvgReturnPct  decimal.Decimal `json:"avg_return_pct"`
}

// maxProfitFactor stands in for an infinite ratio when nothing lost.
var maxProfitFactor = decimal.NewFromInt(999)

// SummarizePerformance folds closed positions into a Performance. Open positions are skipped.
// WinRate is a percentage; break-even trades count toward neither wins nor losses.
func SummarizePerformance(portfolioID string, positions []*Position) Performance {
	perf := Performance{PortfolioID: portfolioID}
	var wins, losses, holdDays, returns decimal.Decimal
	var returnCount int64
	for _, p := range positions {
		if p.Status != StatusClosed {
			continue
		}
		perf.ClosedTrades++
		pnl := p.RealizedPnL
		perf.TotalPnL = perf.TotalPnL.Add(pnl)
		if p.HoldDays != nil {
			holdDays = holdDays.Add(decimal.NewFromInt(int64(*p.HoldDays)))
		}
		if p.RealizedReturnPct != nil {
			returns = returns.Add(*p.RealizedReturnPct)
			returnCount++
		}
		switch {
		case pnl.IsPositive():
			perf.WinningTrades++
			wins = wins.Add(pnl)
			if perf.WinningTrades == 1 || pnl.GreaterThan(perf.BestTrade) {
				perf.BestTrade = pnl
			}
		case pnl.IsNegative():
			perf.LosingTrades++
			losses = losses.Add(pnl.Abs())
			if perf.LosingTrades == 1 || pnl.LessThan(perf.WorstTrade) {
				perf.WorstTrade = pnl
			}
		}
	}
	if perf.ClosedTrades == 0 {
		return perf
	}
	closed := decimal.NewFromInt(int64(perf.ClosedTrades))
	perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).Div(closed).Mul(decimal.NewFromInt(100)).Round(2)
	perf.AvgHoldDays = holdDays.Div(closed).Round(2)
	if returnCount > 0 {
		perf.AvgReturnPct = returns.Div(decimal.NewFromInt(returnCount)).Round(4)
	}
	if perf.WinningTrades > 0 {
		perf.AvgProfit = wins.Div(decimal.NewFromInt(int64(perf.WinningTrades))).Round(2)
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = losses.Div(decimal.NewFromInt(int64(perf.LosingTrades))).Round(2)
	}
	switch {
	case !losses.IsZero():
		perf.ProfitFactor = wins.Div(losses).Round(4)
	case !wins.IsZero():
		perf.ProfitFactor = maxProfitFactor
	}
	return perf
}
