package signals

import (
	"context"
	"fmt"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// HistoryStore answers the look-back questions emergence needs.
type HistoryStore interface {
	MentionStore
	CountMentions(ctx context.Context, ticker, from, to string) (int, error)
	EarliestDate(ctx context.Context) (string, bool, error)
}

// EmergentStore records the emergence flag on a signal.
type EmergentStore interface {
	SetEmergent(ctx context.Context, id string, emergent *bool) error
}

// EmergenceDetector flags tickers that jump from near silence to heavy discussion.
// The flag is metadata only.
type EmergenceDetector struct {
	history HistoryStore
	signals EmergentStore
	logger  *zap.Logger
}

func NewEmergenceDetector(history HistoryStore, signals EmergentStore, logger *zap.Logger) *EmergenceDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmergenceDetector{history: history, signals: signals, logger: logger}
}

// Activity is the mention volume emergence is judged on.
type Activity struct {
	Prior   int
	Current int
	Authors int
}

// IsEmergent applies the thresholds to one day's activity.
func IsEmergent(cfg config.EmergenceConfig, a Activity) bool {
	return a.Prior < cfg.MaxPriorMentions && a.Current >= cfg.MinMentions && a.Authors >= cfg.MinAuthors
}

// Flag computes emergence for every signal and persists it. It returns how many were
// flagged true. Signals on days without enough history get a NULL flag.
func (d *EmergenceDetector) Flag(ctx context.Context, cfg config.TradingConfig, signals []*models.Signal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}
	earliest, ok, err := d.history.EarliestDate(ctx)
	if err != nil {
		return 0, err
	}

	cache := make(map[models.TickerDay]*bool)
	flagged := 0
	for _, sig := range signals {
		key := models.TickerDay{Ticker: sig.Ticker, Date: sig.SignalDate}
		emergent, seen := cache[key]
		if !seen {
			emergent, err = d.evaluate(ctx, cfg.Emergence, key, earliest, ok)
			if err != nil {
				return flagged, err
			}
			cache[key] = emergent
		}
		if err := d.signals.SetEmergent(ctx, sig.ID, emergent); err != nil {
			return flagged, err
		}
		sig.Emergent = emergent
		if emergent != nil && *emergent {
			flagged++
			d.logger.Info("Emergent ticker detected",
				zap.String("ticker", sig.Ticker),
				zap.String("date", sig.SignalDate),
				zap.String("signal_type", string(sig.SignalType)))
		}
	}
	return flagged, nil
}

func (d *EmergenceDetector) evaluate(ctx context.Context, cfg config.EmergenceConfig, key models.TickerDay, earliest string, hasHistory bool) (*bool, error) {
	from, err := models.AddDays(key.Date, -cfg.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("invalid signal date %q: %w", key.Date, err)
	}
	required, err := models.AddDays(key.Date, -cfg.MinHistoryDays)
	if err != nil {
		return nil, fmt.Errorf("invalid signal date %q: %w", key.Date, err)
	}
	if !hasHistory || earliest > required {
		return nil, nil
	}

	mentions, err := d.history.MentionsForDay(ctx, key.Ticker, key.Date)
	if err != nil {
		return nil, err
	}
	prior, err := d.history.CountMentions(ctx, key.Ticker, from, key.Date)
	if err != nil {
		return nil, err
	}
	emergent := IsEmergent(cfg, Activity{
		Prior:   prior,
		Current: len(mentions),
		Authors: len(distinctAuthors(mentions)),
	})
	return &emergent, nil
}
