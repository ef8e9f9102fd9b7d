package marketdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

const occDateLayout = "060102"

// OCCSymbol renders the compact OCC contract symbol, e.g. NVDA260320C00120000.
func OCCSymbol(underlying string, expiry time.Time, typ models.OptionType, strike decimal.Decimal) string {
	cp := "C"
	if typ == models.OptionPut {
		cp = "P"
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(strings.TrimSpace(underlying)), expiry.Format(occDateLayout), cp, milli)
}

// ParseOCCSymbol splits an OCC symbol into its parts.
func ParseOCCSymbol(symbol string) (underlying string, expiry time.Time, typ models.OptionType, strike decimal.Decimal, err error) {
	s := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), " ", "")
	if len(s) < 16 {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("invalid OCC symbol %q", symbol)
	}
	tail := s[len(s)-15:]
	underlying = s[:len(s)-15]
	if underlying == "" {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("invalid OCC symbol %q: missing root", symbol)
	}
	expiry, err = time.Parse(occDateLayout, tail[:6])
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("invalid OCC expiry in %q: %w", symbol, err)
	}
	switch tail[6] {
	case 'C':
		typ = models.OptionCall
	case 'P':
		typ = models.OptionPut
	default:
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("invalid OCC option type in %q", symbol)
	}
	milli, err := decimal.NewFromString(tail[7:])
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("invalid OCC strike in %q: %w", symbol, err)
	}
	return underlying, expiry, typ, milli.Div(decimal.NewFromInt(1000)), nil
}
