package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// TradingConfig holds every threshold and weight the engines read. A cycle loads one
// value at start and passes it down unchanged.
type TradingConfig struct {
	Quality     QualityConfig     `mapstructure:"quality" yaml:"quality"`
	Consensus   ConsensusConfig   `mapstructure:"consensus" yaml:"consensus"`
	Weights     WeightsConfig     `mapstructure:"weights" yaml:"weights"`
	Emergence   EmergenceConfig   `mapstructure:"emergence" yaml:"emergence"`
	Positions   PositionsConfig   `mapstructure:"positions" yaml:"positions"`
	StockExits  StockExitConfig   `mapstructure:"stock_exits" yaml:"stock_exits"`
	OptionExits OptionExitConfig  `mapstructure:"option_exits" yaml:"option_exits"`
	Strike      StrikeConfig      `mapstructure:"strike" yaml:"strike"`
	Predictions PredictionsConfig `mapstructure:"predictions" yaml:"predictions"`
	Trust       TrustConfig       `mapstructure:"trust" yaml:"trust"`
}

type QualityConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	MinAuthors    int     `mapstructure:"min_authors" yaml:"min_authors"`
}

type ConsensusConfig struct {
	MinComments  int     `mapstructure:"min_comments" yaml:"min_comments"`
	MinAuthors   int     `mapstructure:"min_authors" yaml:"min_authors"`
	MinAlignment float64 `mapstructure:"min_alignment" yaml:"min_alignment"`
}

// WeightsConfig blends the four confidence components. The weights must sum to 1.
type WeightsConfig struct {
	Volume       float64 `mapstructure:"volume" yaml:"volume"`
	Alignment    float64 `mapstructure:"alignment" yaml:"alignment"`
	AIConfidence float64 `mapstructure:"ai_confidence" yaml:"ai_confidence"`
	AuthorTrust  float64 `mapstructure:"author_trust" yaml:"author_trust"`
}

type EmergenceConfig struct {
	MaxPriorMentions int `mapstructure:"max_prior_mentions" yaml:"max_prior_mentions"`
	MinMentions      int `mapstructure:"min_mentions" yaml:"min_mentions"`
	MinAuthors       int `mapstructure:"min_authors" yaml:"min_authors"`
	LookbackDays     int `mapstructure:"lookback_days" yaml:"lookback_days"`
	MinHistoryDays   int `mapstructure:"min_history_days" yaml:"min_history_days"`
}

type PositionsConfig struct {
	MinSignalConfidence    float64 `mapstructure:"min_signal_confidence" yaml:"min_signal_confidence"`
	SignalMaxAgeDays       int     `mapstructure:"signal_max_age_days" yaml:"signal_max_age_days"`
	MaxPositions           int     `mapstructure:"max_positions" yaml:"max_positions"`
	StartingCapital        float64 `mapstructure:"starting_capital" yaml:"starting_capital"`
	StockBaseAllocationPct float64 `mapstructure:"stock_base_allocation_pct" yaml:"stock_base_allocation_pct"`
	OptionAllocationPct    float64 `mapstructure:"option_allocation_pct" yaml:"option_allocation_pct"`
	MinPositionPct         float64 `mapstructure:"min_position_pct" yaml:"min_position_pct"`
	MaxPositionPct         float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
	LowTierCeiling         float64 `mapstructure:"low_tier_ceiling" yaml:"low_tier_ceiling"`
	MidTierCeiling         float64 `mapstructure:"mid_tier_ceiling" yaml:"mid_tier_ceiling"`
	LowTierMultiplier      float64 `mapstructure:"low_tier_multiplier" yaml:"low_tier_multiplier"`
	MidTierMultiplier      float64 `mapstructure:"mid_tier_multiplier" yaml:"mid_tier_multiplier"`
	HighTierMultiplier     float64 `mapstructure:"high_tier_multiplier" yaml:"high_tier_multiplier"`
	ReplacementMinDelta    float64 `mapstructure:"replacement_min_delta" yaml:"replacement_min_delta"`
	ReplacementMaxGainPct  float64 `mapstructure:"replacement_max_gain_pct" yaml:"replacement_max_gain_pct"`
}

type StockExitConfig struct {
	StopLossPct      float64 `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct    float64 `mapstructure:"take_profit_pct" yaml:"take_profit_pct"`
	TrailingFactor   float64 `mapstructure:"trailing_factor" yaml:"trailing_factor"`
	PartialFraction  float64 `mapstructure:"partial_fraction" yaml:"partial_fraction"`
	BreakevenDay     int     `mapstructure:"breakeven_day" yaml:"breakeven_day"`
	BreakevenGainPct float64 `mapstructure:"breakeven_gain_pct" yaml:"breakeven_gain_pct"`
	EarlyTimeDay     int     `mapstructure:"early_time_day" yaml:"early_time_day"`
	EarlyMinGainPct  float64 `mapstructure:"early_min_gain_pct" yaml:"early_min_gain_pct"`
	MidTimeDay       int     `mapstructure:"mid_time_day" yaml:"mid_time_day"`
	MidMaxGainPct    float64 `mapstructure:"mid_max_gain_pct" yaml:"mid_max_gain_pct"`
	MaxHoldDays      int     `mapstructure:"max_hold_days" yaml:"max_hold_days"`
}

type OptionExitConfig struct {
	ExpirationDTE   int     `mapstructure:"expiration_dte" yaml:"expiration_dte"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `mapstructure:"take_profit_pct" yaml:"take_profit_pct"`
	TrailingFactor  float64 `mapstructure:"trailing_factor" yaml:"trailing_factor"`
	PartialFraction float64 `mapstructure:"partial_fraction" yaml:"partial_fraction"`
	MaxHoldDays     int     `mapstructure:"max_hold_days" yaml:"max_hold_days"`
}

type StrikeConfig struct {
	MinDTE      int     `mapstructure:"min_dte" yaml:"min_dte"`
	MaxDTE      int     `mapstructure:"max_dte" yaml:"max_dte"`
	TargetDTE   int     `mapstructure:"target_dte" yaml:"target_dte"`
	TargetDelta float64 `mapstructure:"target_delta" yaml:"target_delta"`
	MinDelta    float64 `mapstructure:"min_delta" yaml:"min_delta"`
	MaxDelta    float64 `mapstructure:"max_delta" yaml:"max_delta"`
}

type PredictionsConfig struct {
	Enabled  bool  `mapstructure:"enabled" yaml:"enabled"`
	Quantity int64 `mapstructure:"quantity" yaml:"quantity"`
}

type TrustConfig struct {
	Default        float64 `mapstructure:"default" yaml:"default"`
	EMAAlpha       float64 `mapstructure:"ema_alpha" yaml:"ema_alpha"`
	EMASeed        float64 `mapstructure:"ema_seed" yaml:"ema_seed"`
	QualityWeight  float64 `mapstructure:"quality_weight" yaml:"quality_weight"`
	AccuracyWeight float64 `mapstructure:"accuracy_weight" yaml:"accuracy_weight"`
	TenureWeight   float64 `mapstructure:"tenure_weight" yaml:"tenure_weight"`
	TenureDays     int     `mapstructure:"tenure_days" yaml:"tenure_days"`
}

// DefaultTradingConfig returns the baseline thresholds.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		Quality:   QualityConfig{MinConfidence: 0.6, MinAuthors: 2},
		Consensus: ConsensusConfig{MinComments: 5, MinAuthors: 3, MinAlignment: 0.7},
		Weights:   WeightsConfig{Volume: 0.25, Alignment: 0.25, AIConfidence: 0.25, AuthorTrust: 0.25},
		Emergence: EmergenceConfig{MaxPriorMentions: 3, MinMentions: 13, MinAuthors: 8, LookbackDays: 7, MinHistoryDays: 7},
		Positions: PositionsConfig{
			MinSignalConfidence:    0.5,
			SignalMaxAgeDays:       2,
			MaxPositions:           10,
			StartingCapital:        100000,
			StockBaseAllocationPct: 0.10,
			OptionAllocationPct:    0.02,
			MinPositionPct:         0.02,
			MaxPositionPct:         0.15,
			LowTierCeiling:         0.65,
			MidTierCeiling:         0.80,
			LowTierMultiplier:      0.5,
			MidTierMultiplier:      0.75,
			HighTierMultiplier:     1.0,
			ReplacementMinDelta:    0.1,
			ReplacementMaxGainPct:  0.05,
		},
		StockExits: StockExitConfig{
			StopLossPct:      0.10,
			TakeProfitPct:    0.15,
			TrailingFactor:   0.93,
			PartialFraction:  0.5,
			BreakevenDay:     5,
			BreakevenGainPct: 0.05,
			EarlyTimeDay:     5,
			EarlyMinGainPct:  0.05,
			MidTimeDay:       7,
			MidMaxGainPct:    0.15,
			MaxHoldDays:      10,
		},
		OptionExits: OptionExitConfig{
			ExpirationDTE:   2,
			StopLossPct:     0.50,
			TakeProfitPct:   1.00,
			TrailingFactor:  0.70,
			PartialFraction: 0.5,
			MaxHoldDays:     10,
		},
		Strike:      StrikeConfig{MinDTE: 14, MaxDTE: 21, TargetDTE: 17, TargetDelta: 0.30, MinDelta: 0.15, MaxDelta: 0.50},
		Predictions: PredictionsConfig{Enabled: true, Quantity: 1},
		Trust: TrustConfig{
			Default:        0.5,
			EMAAlpha:       0.2,
			EMASeed:        0.5,
			QualityWeight:  0.3,
			AccuracyWeight: 0.5,
			TenureWeight:   0.2,
			TenureDays:     90,
		},
	}
}

const weightTolerance = 1e-6

// Validate checks ranges and that both weight sets sum to 1.
func (t TradingConfig) Validate() error {
	w := t.Weights
	if sum := w.Volume + w.Alignment + w.AIConfidence + w.AuthorTrust; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("confidence weights must sum to 1, got %.4f", sum)
	}
	tr := t.Trust
	if sum := tr.QualityWeight + tr.AccuracyWeight + tr.TenureWeight; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("trust weights must sum to 1, got %.4f", sum)
	}
	if tr.EMAAlpha <= 0 || tr.EMAAlpha > 1 {
		return fmt.Errorf("trust.ema_alpha must be in (0,1], got %v", tr.EMAAlpha)
	}
	if tr.TenureDays <= 0 {
		return fmt.Errorf("trust.tenure_days must be positive")
	}
	if t.Quality.MinAuthors < 1 {
		return fmt.Errorf("quality.min_authors must be at least 1")
	}
	if t.Consensus.MinComments < 1 || t.Consensus.MinAuthors < 1 {
		return fmt.Errorf("consensus.min_comments and consensus.min_authors must be at least 1")
	}
	if t.Consensus.MinAlignment <= 0.5 || t.Consensus.MinAlignment > 1 {
		return fmt.Errorf("consensus.min_alignment must be in (0.5,1], got %v", t.Consensus.MinAlignment)
	}
	p := t.Positions
	if p.MaxPositions < 1 {
		return fmt.Errorf("positions.max_positions must be at least 1")
	}
	if p.StartingCapital <= 0 {
		return fmt.Errorf("positions.starting_capital must be positive")
	}
	if p.MinPositionPct <= 0 || p.MaxPositionPct < p.MinPositionPct || p.MaxPositionPct > 1 {
		return fmt.Errorf("positions min/max position pct out of range")
	}
	if p.LowTierCeiling > p.MidTierCeiling {
		return fmt.Errorf("positions.low_tier_ceiling must not exceed mid_tier_ceiling")
	}
	for name, f := range map[string]float64{
		"stock_exits.partial_fraction":  t.StockExits.PartialFraction,
		"option_exits.partial_fraction": t.OptionExits.PartialFraction,
		"stock_exits.trailing_factor":   t.StockExits.TrailingFactor,
		"option_exits.trailing_factor":  t.OptionExits.TrailingFactor,
		"stock_exits.stop_loss_pct":     t.StockExits.StopLossPct,
		"option_exits.stop_loss_pct":    t.OptionExits.StopLossPct,
	} {
		if f <= 0 || f >= 1 {
			return fmt.Errorf("%s must be in (0,1), got %v", name, f)
		}
	}
	s := t.Strike
	if s.MinDTE > s.MaxDTE || s.MinDelta > s.MaxDelta {
		return fmt.Errorf("strike window is inverted")
	}
	if t.Predictions.Quantity < 1 {
		return fmt.Errorf("predictions.quantity must be at least 1")
	}
	return nil
}

// flatten turns the config into dotted keys, e.g. "quality.min_authors".
func (t TradingConfig) flatten() (map[string]any, error) {
	raw, err := yaml.Marshal(t)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			if child, ok := v.(map[string]any); ok {
				walk(prefix+k+".", child)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", tree)
	return out, nil
}

// Keys lists every override key in sorted order.
func (t TradingConfig) Keys() []string {
	flat, err := t.flatten()
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setTradingDefaults(v *viper.Viper, prefix string, t TradingConfig) {
	flat, err := t.flatten()
	if err != nil {
		return
	}
	for k, val := range flat {
		v.SetDefault(prefix+k, val)
	}
}

// ApplyOverrides layers string-valued overrides keyed by dotted path on top of base.
// Unknown keys and unparsable values are errors.
func ApplyOverrides(base TradingConfig, overrides map[string]string) (TradingConfig, error) {
	if len(overrides) == 0 {
		return base, nil
	}
	flat, err := base.flatten()
	if err != nil {
		return TradingConfig{}, fmt.Errorf("failed to flatten trading config: %w", err)
	}
	v := viper.New()
	for k, val := range flat {
		v.SetDefault(k, val)
	}
	for key, raw := range overrides {
		k := strings.ToLower(strings.TrimSpace(key))
		if _, ok := flat[k]; !ok {
			return TradingConfig{}, fmt.Errorf("unknown trading config key %q", key)
		}
		v.Set(k, strings.TrimSpace(raw))
	}
	var out TradingConfig
	if err := v.Unmarshal(&out); err != nil {
		return TradingConfig{}, fmt.Errorf("failed to apply trading config overrides: %w", err)
	}
	return out, nil
}
