package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionClosed is returned when an exit or override targets a closed instrument.
	ErrPositionClosed = errors.New("already closed")
	// ErrInvalidExitQuantity is returned when an exit would close more than remains.
	ErrInvalidExitQuantity = errors.New("invalid exit quantity")
)

// NewExit prices a closure slice of qty units at price against the entry price.
func NewExit(ownerID string, reason ExitReason, qty int64, price, entry decimal.Decimal, inst InstrumentType, at time.Time, note string) Exit {
	q := decimal.NewFromInt(qty).Mul(inst.Multiplier())
	return Exit{
		OwnerID:     ownerID,
		Reason:      reason,
		Quantity:    qty,
		Price:       price,
		Proceeds:    price.Mul(q),
		RealizedPnL: price.Sub(entry).Mul(q),
		ExitedAt:    at,
		Note:        note,
	}
}

func checkExit(status InstrumentStatus, remaining int64, e Exit) error {
	if status == StatusClosed || remaining == 0 {
		return ErrPositionClosed
	}
	if e.Quantity <= 0 || e.Quantity > remaining {
		return fmt.Errorf("%w: %d of %d remaining", ErrInvalidExitQuantity, e.Quantity, remaining)
	}
	return nil
}

// RecordExit folds an exit into the position projection and stamps closure fields
// once nothing remains.
func (p *Position) RecordExit(e Exit, loc *time.Location) error {
	if err := checkExit(p.Status, p.RemainingQuantity, e); err != nil {
		return err
	}
	p.RemainingQuantity -= e.Quantity
	p.RealizedPnL = p.RealizedPnL.Add(e.RealizedPnL)
	p.LastPrice = e.Price
	p.Exits = append(p.Exits, e)
	if p.RemainingQuantity == 0 {
		p.Status = StatusClosed
		at := e.ExitedAt
		p.ExitDate = &at
		days := HoldDays(p.OpenedAt, at, loc)
		p.HoldDays = &days
		if p.PositionSize.IsPositive() {
			ret := p.RealizedPnL.Div(p.PositionSize)
			p.RealizedReturnPct = &ret
		}
	}
	return nil
}

// RecordExit folds an exit into the prediction and resolves correctness on full closure.
func (p *Prediction) RecordExit(e Exit, loc *time.Location) error {
	if err := checkExit(p.Status, p.RemainingQuantity, e); err != nil {
		return err
	}
	p.RemainingQuantity -= e.Quantity
	p.RealizedPnL = p.RealizedPnL.Add(e.RealizedPnL)
	if p.RemainingQuantity == 0 {
		p.Status = StatusClosed
		at := e.ExitedAt
		p.ExitDate = &at
		days := HoldDays(p.OpenedAt, at, loc)
		p.HoldDays = &days
		ret := decimal.Zero
		if basis := p.CostBasis(); basis.IsPositive() {
			ret = p.RealizedPnL.Div(basis)
		}
		p.TotalReturnPct = &ret
		correct := p.Resolve(ret)
		p.IsCorrect = &correct
	}
	return nil
}
