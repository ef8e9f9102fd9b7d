// Package signals turns stored comment mentions into daily Quality and Consensus signals.
package signals

import (
	"context"
	"math"
	"sort"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// MentionStore loads every stored mention of a ticker on a date.
type MentionStore interface {
	MentionsForDay(ctx context.Context, ticker, date string) ([]models.Mention, error)
}

// SignalStore persists daily signals.
type SignalStore interface {
	Upsert(ctx context.Context, s *models.Signal) error
	Withdraw(ctx context.Context, key models.SignalKey) (bool, error)
}

// Aggregator re-evaluates whole (ticker, date) buckets so repeated runs are idempotent.
type Aggregator struct {
	mentions MentionStore
	signals  SignalStore
	metrics  *metrics.Registry
	logger   *zap.Logger
}

func NewAggregator(mentions MentionStore, signals SignalStore, m *metrics.Registry, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{mentions: mentions, signals: signals, metrics: m, logger: logger}
}

// Result summarises one aggregation pass.
type Result struct {
	Evaluated int
	Signals   []*models.Signal
	Withdrawn int
}

// Aggregate evaluates both signal types for each key. trust is the cycle's read-only snapshot.
func (a *Aggregator) Aggregate(ctx context.Context, cfg config.TradingConfig, trust map[string]float64, keys []models.TickerDay) (Result, error) {
	var res Result
	for _, key := range keys {
		mentions, err := a.mentions.MentionsForDay(ctx, key.Ticker, key.Date)
		if err != nil {
			return res, err
		}
		res.Evaluated++

		candidates := map[models.SignalType]*models.Signal{
			models.SignalTypeQuality:   EvaluateQuality(cfg, trust, mentions),
			models.SignalTypeConsensus: EvaluateConsensus(cfg, trust, mentions),
		}
		for _, st := range []models.SignalType{models.SignalTypeQuality, models.SignalTypeConsensus} {
			sig := candidates[st]
			if sig == nil {
				withdrawn, err := a.signals.Withdraw(ctx, models.SignalKey{Ticker: key.Ticker, SignalType: st, Date: key.Date})
				if err != nil {
					return res, err
				}
				if withdrawn {
					res.Withdrawn++
					a.logger.Info("Signal withdrawn after re-evaluation",
						zap.String("ticker", key.Ticker),
						zap.String("signal_type", string(st)),
						zap.String("date", key.Date))
				}
				continue
			}
			sig.Ticker = key.Ticker
			sig.SignalDate = key.Date
			if err := a.signals.Upsert(ctx, sig); err != nil {
				return res, err
			}
			a.metrics.SignalUpserted(string(st), string(sig.Direction))
			res.Signals = append(res.Signals, sig)
		}
	}
	return res, nil
}

// EvaluateQuality fires when enough distinct authors posted qualifying comments and every
// qualifying comment agrees on direction. Returns nil when it does not fire.
func EvaluateQuality(cfg config.TradingConfig, trust map[string]float64, mentions []models.Mention) *models.Signal {
	var qualifying []models.Mention
	for _, m := range mentions {
		if m.IsQualifying(cfg.Quality.MinConfidence) {
			qualifying = append(qualifying, m)
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	direction, _ := qualifying[0].Sentiment.Direction()
	for _, m := range qualifying[1:] {
		if d, _ := m.Sentiment.Direction(); d != direction {
			return nil
		}
	}

	authors := distinctAuthors(qualifying)
	if len(authors) < cfg.Quality.MinAuthors {
		return nil
	}

	volume := math.Min(1, float64(len(authors))/float64(cfg.Quality.MinAuthors*3))
	sig := &models.Signal{
		SignalType:     models.SignalTypeQuality,
		Direction:      direction,
		CommentCount:   len(qualifying),
		AuthorCount:    len(authors),
		VolumeScore:    volume,
		AlignmentScore: 1,
	}
	score(cfg, trust, sig, qualifying, authors)
	return sig
}

// EvaluateConsensus fires on high-volume directional agreement among non-neutral comments.
// An exact bullish/bearish tie never fires.
func EvaluateConsensus(cfg config.TradingConfig, trust map[string]float64, mentions []models.Mention) *models.Signal {
	var (
		directional []models.Mention
		bullish     int
		bearish     int
	)
	for _, m := range mentions {
		switch m.Sentiment {
		case models.SentimentBullish:
			bullish++
		case models.SentimentBearish:
			bearish++
		default:
			continue
		}
		directional = append(directional, m)
	}

	total := len(directional)
	if total < cfg.Consensus.MinComments || total == 0 || bullish == bearish {
		return nil
	}
	authors := distinctAuthors(directional)
	if len(authors) < cfg.Consensus.MinAuthors {
		return nil
	}

	direction, majority := models.DirectionBullish, bullish
	if bearish > bullish {
		direction, majority = models.DirectionBearish, bearish
	}
	alignment := float64(majority) / float64(total)
	if alignment < cfg.Consensus.MinAlignment {
		return nil
	}

	alignmentScore := 1.0
	if cfg.Consensus.MinAlignment < 1 {
		alignmentScore = (alignment - cfg.Consensus.MinAlignment) / (1 - cfg.Consensus.MinAlignment)
	}
	volume := math.Min(1, float64(total)/float64(cfg.Consensus.MinComments*3))

	sig := &models.Signal{
		SignalType:     models.SignalTypeConsensus,
		Direction:      direction,
		CommentCount:   total,
		AuthorCount:    len(authors),
		VolumeScore:    volume,
		AlignmentScore: clamp01(alignmentScore),
	}
	score(cfg, trust, sig, directional, authors)
	return sig
}

// score fills the mean inputs and the weighted confidence.
func score(cfg config.TradingConfig, trust map[string]float64, sig *models.Signal, contributing []models.Mention, authors []string) {
	var conf float64
	for _, m := range contributing {
		conf += m.Confidence
	}
	sig.MeanAIConfidence = conf / float64(len(contributing))
	sig.MeanAuthorTrust = meanTrust(cfg, trust, contributing, authors)

	w := cfg.Weights
	sig.Confidence = clamp01(sig.VolumeScore*w.Volume +
		sig.AlignmentScore*w.Alignment +
		sig.MeanAIConfidence*w.AIConfidence +
		sig.MeanAuthorTrust*w.AuthorTrust)
}

// meanTrust averages one trust value per author: the stored snapshot, else the trust the
// annotator attached to the author's earliest comment, else the default.
func meanTrust(cfg config.TradingConfig, trust map[string]float64, contributing []models.Mention, authors []string) float64 {
	fallback := make(map[string]float64)
	for _, m := range contributing {
		if _, ok := fallback[m.AuthorID]; !ok && m.CommentTrust != nil {
			fallback[m.AuthorID] = *m.CommentTrust
		}
	}
	var sum float64
	for _, author := range authors {
		switch {
		case hasKey(trust, author):
			sum += trust[author]
		case hasKey(fallback, author):
			sum += fallback[author]
		default:
			sum += cfg.Trust.Default
		}
	}
	return clamp01(sum / float64(len(authors)))
}

func distinctAuthors(mentions []models.Mention) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentions {
		if !seen[m.AuthorID] {
			seen[m.AuthorID] = true
			out = append(out, m.AuthorID)
		}
	}
	sort.Strings(out)
	return out
}

func hasKey(m map[string]float64, k string) bool {
	_, ok := m[k]
	return ok
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
