package exits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// ErrNoPriceData means neither candles nor a quote were available for an instrument.
var ErrNoPriceData = errors.New("no price data")

// window gathers the points since the instrument was last checked. A same-day window is
// intraday candles only. Across days it adds the tail of the last checked session and
// daily bars for the sessions in between. A quote stands in when today's candles are missing.
func (e *Engine) window(ctx context.Context, st models.MonitorState, now time.Time) ([]Point, error) {
	var points []Point
	from := st.LastCheckedAt
	lastDate, today := e.calendar.Date(from), e.calendar.Date(now)

	if lastDate != today {
		if closeAt := e.calendar.SessionClose(from); from.Before(closeAt) {
			candles, err := e.market.IntradayCandles(ctx, st.Symbol, from, closeAt)
			if err != nil {
				e.logger.Debug("Tail of last session unavailable", zap.String("symbol", st.Symbol), zap.Error(err))
			}
			points = append(points, e.candlePoints(candles)...)
		}
		if e.history != nil {
			start, _ := models.AddDays(lastDate, 1)
			end, _ := models.AddDays(today, -1)
			if start <= end {
				bars, err := e.history.DailyBars(ctx, st.Symbol, start, end)
				if err != nil {
					e.logger.Debug("Daily bars unavailable", zap.String("symbol", st.Symbol), zap.Error(err))
				}
				points = append(points, e.barPoints(bars)...)
			}
		}
		from = e.calendar.SessionOpen(now)
	}

	candles, err := e.market.IntradayCandles(ctx, st.Symbol, from, now)
	if err == nil && len(candles) > 0 {
		return sortPoints(append(points, e.candlePoints(candles)...)), nil
	}

	q, qerr := e.market.Quote(ctx, st.Symbol)
	if qerr == nil {
		if price := q.PriceFor(st.InstrumentType); price.IsPositive() {
			return sortPoints(append(points, QuotePoint(now, price))), nil
		}
		qerr = fmt.Errorf("quote for %s has no usable price", st.Symbol)
	}
	if len(points) > 0 {
		return sortPoints(points), nil
	}
	return nil, fmt.Errorf("%w for %s: %v", ErrNoPriceData, st.Symbol, qerr)
}

func (e *Engine) candlePoints(candles []marketdata.Candle) []Point {
	out := make([]Point, 0, len(candles))
	for _, c := range candles {
		out = append(out, Point{At: c.Start, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close})
	}
	return out
}

// barPoints stamps each daily bar at its session close.
func (e *Engine) barPoints(bars []marketdata.Candle) []Point {
	loc := e.calendar.Location()
	out := make([]Point, 0, len(bars))
	for _, b := range bars {
		y, m, d := b.Start.UTC().Date()
		at := e.calendar.SessionClose(time.Date(y, m, d, 12, 0, 0, 0, loc))
		out = append(out, Point{At: at, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close})
	}
	return out
}

func sortPoints(points []Point) []Point {
	sort.SliceStable(points, func(i, j int) bool { return points[i].At.Before(points[j].At) })
	return points
}
